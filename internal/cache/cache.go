// Package cache implements the core's multi-tier Cache Store (C2): a typed
// key -> value mapping with TTL and stale-while-revalidate semantics,
// sharded for concurrency and backed by VictoriaMetrics/fastcache's
// off-heap, approximate-LRU byte cache — the same dependency the teacher
// repo pulls in for exactly this kind of high-churn, low-GC-pressure cache.
package cache

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
)

// Status is the result of a Get.
type Status int

const (
	// Miss means no usable entry exists; the caller must populate one.
	Miss Status = iota
	// HitFresh means the entry is within its fresh window.
	HitFresh
	// HitStale means the entry is past fresh_until but before stale_until —
	// serveable under SWR policy.
	HitStale
)

func (s Status) String() string {
	switch s {
	case HitFresh:
		return "hit-fresh"
	case HitStale:
		return "hit-stale"
	default:
		return "miss"
	}
}

// Entry is the decoded view of a cached value returned by Get.
type Entry struct {
	Value      []byte
	CreatedAt  time.Time
	FreshUntil time.Time
	StaleUntil time.Time
	Source     string
	ETag       string
}

// Stats mirrors §4.1's Stats() shape.
type Stats struct {
	Entries     int64
	Hits        int64
	Misses      int64
	StaleServes int64
	Evictions   int64
	BytesEst    int64
}

// Store is the sharded, TTL/SWR-aware cache. The zero value is not usable;
// construct with New.
type Store struct {
	shards []*shard

	hits, misses, staleServes, evictions int64
}

type shard struct {
	mu sync.Mutex // serializes the read-compare-write needed for monotonic Put
	fc *fastcache.Cache
}

// New constructs a Store with the given number of shards, each capped at
// maxBytes/shards (at least 32 KiB per shard). A shards value below 1 is
// treated as 1.
func New(shards int, maxBytes int) *Store {
	if shards < 1 {
		shards = 1
	}
	perShard := maxBytes / shards
	if perShard < 32*1024 {
		perShard = 32 * 1024
	}
	s := &Store{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{fc: fastcache.New(perShard)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

// Get returns the entry for key along with its freshness status. An
// expired entry (now >= stale_until) is never returned: the invariant in
// §4.1 "Never returns *expired*" and testable property 4 "No expired
// serves" both hold here.
func (s *Store) Get(key string) (Entry, Status) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	raw, ok := sh.fc.HasGet(nil, []byte(key))
	sh.mu.Unlock()
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		obslog.Event("cache.op", map[string]interface{}{"ts": obslog.Now(), "op": "miss", "key": key})
		return Entry{}, Miss
	}
	e, err := decodeEntry(raw)
	if err != nil {
		atomic.AddInt64(&s.misses, 1)
		return Entry{}, Miss
	}
	now := time.Now()
	switch {
	case now.Before(e.FreshUntil):
		atomic.AddInt64(&s.hits, 1)
		obslog.Event("cache.op", map[string]interface{}{"ts": obslog.Now(), "op": "hit-fresh", "key": key})
		return e, HitFresh
	case now.Before(e.StaleUntil):
		atomic.AddInt64(&s.staleServes, 1)
		obslog.Event("cache.op", map[string]interface{}{"ts": obslog.Now(), "op": "hit-stale", "key": key})
		return e, HitStale
	default:
		// Expired: treat as miss and evict proactively.
		sh.mu.Lock()
		sh.fc.Del([]byte(key))
		sh.mu.Unlock()
		atomic.AddInt64(&s.evictions, 1)
		atomic.AddInt64(&s.misses, 1)
		obslog.Event("cache.op", map[string]interface{}{"ts": obslog.Now(), "op": "evict", "key": key})
		return Entry{}, Miss
	}
}

// Put atomically replaces the entry for key. If an existing entry has a
// newer CreatedAt, the Put is silently dropped — this is the monotonicity
// guarantee behind testable property 3 "Cache monotonicity".
func (s *Store) Put(key string, value []byte, freshTTL, staleTTL time.Duration, source, etag string) {
	if freshTTL > staleTTL {
		staleTTL = freshTTL
	}
	now := time.Now()
	e := Entry{
		Value:      value,
		CreatedAt:  now,
		FreshUntil: now.Add(freshTTL),
		StaleUntil: now.Add(staleTTL),
		Source:     source,
		ETag:       etag,
	}
	enc := encodeEntry(e)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if raw, ok := sh.fc.HasGet(nil, []byte(key)); ok {
		if existing, err := decodeEntry(raw); err == nil && existing.CreatedAt.After(e.CreatedAt) {
			return // a newer entry already won the race; drop this Put.
		}
	}
	sh.fc.Set([]byte(key), enc)
	obslog.Event("cache.op", map[string]interface{}{"ts": obslog.Now(), "op": "put", "key": key})
}

// Invalidate removes key immediately.
func (s *Store) Invalidate(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.fc.Del([]byte(key))
	sh.mu.Unlock()
	atomic.AddInt64(&s.evictions, 1)
	obslog.Event("cache.op", map[string]interface{}{"ts": obslog.Now(), "op": "evict", "key": key})
}

// Stats reports cumulative counters plus a live snapshot of occupancy.
func (s *Store) Stats() Stats {
	var entries, bytesEst uint64
	for _, sh := range s.shards {
		var st fastcache.Stats
		sh.fc.UpdateStats(&st)
		entries += st.EntriesCount
		bytesEst += st.BytesSize
	}
	return Stats{
		Entries:     int64(entries),
		Hits:        atomic.LoadInt64(&s.hits),
		Misses:      atomic.LoadInt64(&s.misses),
		StaleServes: atomic.LoadInt64(&s.staleServes),
		Evictions:   atomic.LoadInt64(&s.evictions),
		BytesEst:    int64(bytesEst),
	}
}

// --- wire encoding -----------------------------------------------------
//
// Cache payloads never leave this process, so the format only needs to be
// cheap to encode/decode, not portable: createdAt/freshUntil/staleUntil as
// unix-nano int64s, then two length-prefixed strings (source, etag), then
// the raw value bytes.

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 24+8+len(e.Source)+len(e.ETag)+len(e.Value))
	var tmp [8]byte

	putI64 := func(v int64) {
		binary.BigEndian.PutUint64(tmp[:], uint64(v))
		buf = append(buf, tmp[:]...)
	}
	putStr := func(v string) {
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(v)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, v...)
	}

	putI64(e.CreatedAt.UnixNano())
	putI64(e.FreshUntil.UnixNano())
	putI64(e.StaleUntil.UnixNano())
	putStr(e.Source)
	putStr(e.ETag)
	buf = append(buf, e.Value...)
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	var e Entry
	if len(buf) < 24 {
		return e, errShortBuffer
	}
	readI64 := func() int64 {
		v := int64(binary.BigEndian.Uint64(buf[:8]))
		buf = buf[8:]
		return v
	}
	e.CreatedAt = time.Unix(0, readI64()).UTC()
	e.FreshUntil = time.Unix(0, readI64()).UTC()
	e.StaleUntil = time.Unix(0, readI64()).UTC()

	readStr := func() (string, bool) {
		if len(buf) < 4 {
			return "", false
		}
		n := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < n {
			return "", false
		}
		s := string(buf[:n])
		buf = buf[n:]
		return s, true
	}
	var ok bool
	if e.Source, ok = readStr(); !ok {
		return Entry{}, errShortBuffer
	}
	if e.ETag, ok = readStr(); !ok {
		return Entry{}, errShortBuffer
	}
	e.Value = append([]byte(nil), buf...)
	return e, nil
}

var errShortBuffer = shortBufferError{}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "cache: corrupt entry buffer" }
