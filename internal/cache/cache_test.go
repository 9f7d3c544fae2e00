package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetMissThenPutFresh(t *testing.T) {
	s := New(4, 1<<20)

	_, status := s.Get("btc-price")
	require.Equal(t, Miss, status)

	s.Put("btc-price", []byte("62000"), 50*time.Millisecond, time.Second, "coingecko", "etag-1")

	e, status := s.Get("btc-price")
	require.Equal(t, HitFresh, status)
	require.Equal(t, []byte("62000"), e.Value)
	require.Equal(t, "coingecko", e.Source)
}

func TestStaleWindowThenExpiry(t *testing.T) {
	s := New(1, 1<<20)
	s.Put("k", []byte("v"), 10*time.Millisecond, 30*time.Millisecond, "p1", "")

	time.Sleep(15 * time.Millisecond)
	_, status := s.Get("k")
	require.Equal(t, HitStale, status)

	time.Sleep(25 * time.Millisecond)
	_, status = s.Get("k")
	require.Equal(t, Miss, status, "an entry past stale_until must never be served")
}

func TestPutMonotonicityDropsOlderWrite(t *testing.T) {
	s := New(1, 1<<20)

	s.Put("k", []byte("newer"), time.Second, time.Second, "p1", "")
	first, _ := s.Get("k")

	// Forward path: a later Put replaces the entry and created_at never
	// moves backward.
	s.Put("k", []byte("also-newer"), time.Second, time.Second, "p2", "")
	second, _ := s.Get("k")

	require.True(t, !second.CreatedAt.Before(first.CreatedAt))

	// A slow writer losing the race: the stored entry already carries a
	// created_at later than the incoming Put's, so that Put is dropped.
	now := time.Now()
	winner := Entry{Value: []byte("winner"), CreatedAt: now.Add(time.Hour), FreshUntil: now.Add(time.Hour), StaleUntil: now.Add(time.Hour), Source: "p3"}
	s.shardFor("k").fc.Set([]byte("k"), encodeEntry(winner))

	s.Put("k", []byte("older"), time.Second, time.Second, "p4", "")
	third, status := s.Get("k")
	require.Equal(t, HitFresh, status)
	require.Equal(t, []byte("winner"), third.Value)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	s := New(1, 1<<20)
	s.Put("k", []byte("v"), time.Second, time.Second, "p1", "")
	s.Invalidate("k")

	_, status := s.Get("k")
	require.Equal(t, Miss, status)
}

func TestStatsCountHitsMissesAndEvictions(t *testing.T) {
	s := New(2, 1<<20)
	s.Get("missing")
	s.Put("k", []byte("v"), time.Second, time.Second, "p1", "")
	s.Get("k")
	s.Invalidate("k")

	st := s.Stats()
	require.Equal(t, int64(1), st.Misses)
	require.Equal(t, int64(1), st.Hits)
	require.Equal(t, int64(1), st.Evictions)
}

func TestConcurrentGetPutDoesNotRace(t *testing.T) {
	s := New(4, 1<<20)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			for j := 0; j < 200; j++ {
				s.Put("k", []byte("v"), time.Second, time.Second, "p", "")
				s.Get("k")
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
