package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOutboxClaimSkipsLockedAndProcessed(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.PutOutbox(OutboxRecord{ID: 1, Topic: "t", Payload: []byte("a"), CreatedAt: now}))
	require.NoError(t, s.PutOutbox(OutboxRecord{ID: 2, Topic: "t", Payload: []byte("b"), CreatedAt: now}))

	claimed, err := s.ClaimOutboxBatch("dispatcher-a", 10, now.Add(time.Minute), now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// A second dispatcher racing for the same rows before the claim expires
	// must see nothing to claim.
	claimed2, err := s.ClaimOutboxBatch("dispatcher-b", 10, now.Add(time.Minute), now)
	require.NoError(t, err)
	require.Empty(t, claimed2)

	require.NoError(t, s.MarkOutboxProcessed(1, now))

	claimed3, err := s.ClaimOutboxBatch("dispatcher-a", 10, now.Add(2*time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed3, 1, "processed record must never be reclaimed")
	require.Equal(t, uint64(2), claimed3[0].ID)
}

func TestOutboxFailureThenDLQAndReplay(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.PutOutbox(OutboxRecord{ID: 5, Topic: "t", Payload: []byte("x"), CreatedAt: now}))

	require.NoError(t, s.MarkOutboxFailed(5, errBoom, now))
	r, err := s.GetOutbox(5)
	require.NoError(t, err)
	require.Equal(t, 1, r.Attempts)
	require.Equal(t, "boom", r.LastError)

	require.NoError(t, s.MoveToDLQ(r, "max_attempts exceeded", now))
	_, err = s.GetOutbox(5)
	require.ErrorIs(t, err, ErrNotFound)

	dlq, err := s.ListDLQ("", time.Time{})
	require.NoError(t, err)
	require.Len(t, dlq, 1)

	require.NoError(t, s.ReplayDLQ(5, "replay-key-1", now))
	replayed, err := s.GetOutbox(6) // replay assigns a fresh monotone id, not the original's
	require.NoError(t, err)
	require.Equal(t, 0, replayed.Attempts)
	require.Equal(t, "replay-key-1", replayed.IdempotencyKey)

	dlqAfter, err := s.ListDLQ("", time.Time{})
	require.NoError(t, err)
	require.Empty(t, dlqAfter)
}

func TestEnqueueDropsDuplicateIdempotencyKey(t *testing.T) {
	// Scenario S5's producer side: two business transactions writing
	// outbox rows with the same idempotency_key must result in exactly
	// one outbox row.
	s := newTestStore(t)
	now := time.Now()

	id1, ok1, err := s.Enqueue("payouts", "tenant-1", []byte("first"), "K", now)
	require.NoError(t, err)
	require.True(t, ok1)

	id2, ok2, err := s.Enqueue("payouts", "tenant-1", []byte("second"), "K", now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok2, "second enqueue with the same idempotency key must be dropped")
	require.Equal(t, id1, id2)

	rec, err := s.GetOutbox(id1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), rec.Payload, "the first writer's payload must win")

	claimed, err := s.ClaimOutboxBatch("d1", 10, now.Add(time.Minute), now)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "only one row should ever reach the outbox")
}

func TestInboxDedupe(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	ok, err := s.HasProcessedInbox("workers", "msg-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkInboxProcessed("workers", "msg-1", now))

	ok2, err := s.HasProcessedInbox("workers", "msg-1")
	require.NoError(t, err)
	require.True(t, ok2)
}

func TestLeaseAcquireRenewAndFailover(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	l, ok, err := s.AcquireLease("scheduler", "node-a", 10*time.Second, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), l.Term)

	// A second node cannot acquire while the lease is live.
	_, ok2, err := s.AcquireLease("scheduler", "node-b", 10*time.Second, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok2)

	// The holder can renew without bumping the term.
	renewed, ok3, err := s.AcquireLease("scheduler", "node-a", 10*time.Second, now.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok3)
	require.Equal(t, uint64(1), renewed.Term)

	// After expiry, a different node can take over, bumping the term.
	takeover, ok4, err := s.AcquireLease("scheduler", "node-b", 10*time.Second, now.Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, ok4)
	require.Equal(t, "node-b", takeover.HolderID)
	require.Equal(t, uint64(2), takeover.Term)
}

func TestReleaseLeaseOnlyByHolder(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	_, _, err := s.AcquireLease("scheduler", "node-a", time.Minute, now)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseLease("scheduler", "node-b"))
	_, err = s.GetLease("scheduler")
	require.NoError(t, err, "release by a non-holder must be a no-op")

	require.NoError(t, s.ReleaseLease("scheduler", "node-a"))
	_, err = s.GetLease("scheduler")
	require.ErrorIs(t, err, ErrNotFound)
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
