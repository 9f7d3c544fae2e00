// Package store is the relational-store abstraction (§3 "Outbox store",
// "Inbox store", "Leader lease store") backed by cockroachdb/pebble. Pebble
// batches stand in for transactions; a claim column plus a claimed-until
// timestamp emulates `SELECT ... FOR UPDATE SKIP LOCKED` for the outbox
// dispatcher and the scheduler's leader lease, the same role the teacher
// repo gives rawdb's key-schema accessors over its underlying KV engine.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
)

// ErrNotFound is returned when a lookup key has no value.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pebble.DB with the schema's key prefixes (mirroring
// core/rawdb/schema_rollup.go's prefix-byte convention).
type Store struct {
	db *pebble.DB

	// mu serializes the store's read-modify-write sequences: the outbox id
	// counter and the idempotency-key unique index (PutOutbox, Enqueue,
	// ReplayDLQ), outbox claims, and lease updates. These must not
	// interleave across goroutines the way a SQL UNIQUE constraint plus a
	// sequence would naturally serialize inside a real database.
	mu sync.Mutex
}

// Open opens (creating if absent) a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Key prefixes, one byte each, matching the schema_rollup.go convention of
// a short prefix followed by a big-endian-sortable suffix.
const (
	prefixOutbox byte = 0x01
	prefixInbox  byte = 0x02
	prefixDLQ    byte = 0x03
	prefixLease  byte = 0x04
	prefixIdemp  byte = 0x05
)

// keyNextOutboxID holds the monotone outbox id counter. It lives outside
// the prefixOutbox range (a single byte key) so it never collides with a
// real record's 9-byte key.
var keyNextOutboxID = []byte{0x00}

func idempKey(idempotencyKey string) []byte {
	return append([]byte{prefixIdemp}, []byte(idempotencyKey)...)
}

func outboxKey(id uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixOutbox
	binary.BigEndian.PutUint64(k[1:], id)
	return k
}

func inboxKey(consumerGroup, messageID string) []byte {
	return append([]byte{prefixInbox}, []byte(consumerGroup+"\x00"+messageID)...)
}

func dlqKey(id uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixDLQ
	binary.BigEndian.PutUint64(k[1:], id)
	return k
}

func leaseKey(name string) []byte {
	return append([]byte{prefixLease}, []byte(name)...)
}

// OutboxRecord is §3's OutboxMessage: a transactionally-written fact to be
// published at least once to the message bus.
type OutboxRecord struct {
	ID             uint64
	Topic          string // kind
	Key            string // partition_key
	Payload        []byte
	IdempotencyKey string
	CreatedAt      time.Time
	Attempts       int
	LastError      string
	ClaimedBy      string
	ClaimedUntil   time.Time
	// NextVisibleAt holds a failed record back from reclaim until the
	// dispatcher's exponential backoff for its attempt count has elapsed
	// (§4.6 "retries are rescheduled with exponential backoff"). Zero
	// value means immediately visible.
	NextVisibleAt time.Time
	ProcessedAt   *time.Time
}

// InboxRecord marks a message as already consumed by a given consumer
// group, giving the outbox dispatcher's downstream consumers at-least-once
// delivery with idempotent processing (§4.6 "Delivery semantics").
type InboxRecord struct {
	ConsumerGroup string
	MessageID     string
	ProcessedAt   time.Time
}

// DLQRecord is an OutboxRecord that exhausted its retry budget.
type DLQRecord struct {
	Original OutboxRecord
	MovedAt  time.Time
	Reason   string
}

// LeaderLease is §4.6's database-backed mutual-exclusion lease for the
// scheduler's leader election.
type LeaderLease struct {
	Name       string
	HolderID   string
	Term       uint64
	ExpiresAt  time.Time
}

func encodeJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // programmer error: all schema types must be JSON-marshalable
	}
	return b
}

// PutOutbox inserts or replaces an outbox record within its own batch
// (standing in for the "write business row + outbox row in one DB
// transaction" requirement of §4.6's transactional-outbox invariant). If
// r.ID is above the outbox id counter, the same batch advances the counter
// to r.ID, so ids later assigned by Enqueue and ReplayDLQ stay above it.
func (s *Store) PutOutbox(r OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(outboxKey(r.ID), encodeJSON(r), nil); err != nil {
		return err
	}
	if r.IdempotencyKey != "" {
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], r.ID)
		if err := b.Set(idempKey(r.IdempotencyKey), idBuf[:], nil); err != nil {
			return err
		}
	}
	var cur uint64
	if v, closer, err := s.db.Get(keyNextOutboxID); err == nil {
		cur = binary.BigEndian.Uint64(v)
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	if r.ID > cur {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], r.ID)
		if err := b.Set(keyNextOutboxID, buf[:], nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Enqueue is the storage half of §6's `Outbox.Enqueue(tx, kind,
// partition_key, payload, idempotency_key)`: it assigns the next monotone
// id and writes the record in the same pebble batch as the
// idempotency-key index entry, standing in for "write business row +
// outbox row in one DB transaction, with idempotency_key UNIQUE". If
// idempotencyKey has already been used by a prior record — whether still
// unprocessed or long since published — the row is silently dropped and
// the pre-existing id is returned with enqueued=false, giving testable
// property 5 "Outbox exactly-once dedupe" and scenario S5's "only the
// first row is published; the second is dropped" behavior.
func (s *Store) Enqueue(kind, partitionKey string, payload []byte, idempotencyKey string, now time.Time) (id uint64, enqueued bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := idempKey(idempotencyKey)
	if v, closer, gerr := s.db.Get(ik); gerr == nil {
		existing := binary.BigEndian.Uint64(v)
		closer.Close()
		return existing, false, nil
	} else if !errors.Is(gerr, pebble.ErrNotFound) {
		return 0, false, gerr
	}

	next, err := s.nextOutboxIDLocked()
	if err != nil {
		return 0, false, err
	}

	rec := OutboxRecord{
		ID:             next,
		Topic:          kind,
		Key:            partitionKey,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(outboxKey(next), encodeJSON(rec), nil); err != nil {
		return 0, false, err
	}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], next)
	if err := b.Set(ik, idBuf[:], nil); err != nil {
		return 0, false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, false, err
	}
	return next, true, nil
}

// nextOutboxIDLocked must be called with s.mu held.
func (s *Store) nextOutboxIDLocked() (uint64, error) {
	v, closer, err := s.db.Get(keyNextOutboxID)
	var cur uint64
	if err == nil {
		cur = binary.BigEndian.Uint64(v)
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, err
	}
	next := cur + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Set(keyNextOutboxID, buf[:], pebble.Sync); err != nil {
		return 0, err
	}
	return next, nil
}

// ClaimOutboxBatch emulates `SELECT ... FOR UPDATE SKIP LOCKED LIMIT n`:
// it scans unprocessed records, atomically claims up to limit of them for
// claimant until claimUntil, and returns the claimed set. A record already
// claimed by another dispatcher with claimedUntil in the future is skipped,
// exactly like a locked row would be; a record this claimant already holds
// is returned to it again. A record whose NextVisibleAt backoff hasn't
// elapsed yet is skipped too, so a failed record isn't immediately
// reclaimed on the next poll.
func (s *Store) ClaimOutboxBatch(claimant string, limit int, claimUntil time.Time, now time.Time) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixOutbox},
		UpperBound: []byte{prefixOutbox + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var claimed []OutboxRecord
	b := s.db.NewBatch()
	defer b.Close()

	for iter.First(); iter.Valid() && len(claimed) < limit; iter.Next() {
		var r OutboxRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			obslog.Error("store: corrupt outbox record, skipping", "err", err)
			continue
		}
		if r.ProcessedAt != nil {
			continue
		}
		if r.ClaimedBy != "" && r.ClaimedBy != claimant && now.Before(r.ClaimedUntil) {
			continue // locked by another dispatcher, skip like SKIP LOCKED
		}
		if !r.NextVisibleAt.IsZero() && now.Before(r.NextVisibleAt) {
			continue // still backing off from a prior failed attempt
		}
		r.ClaimedBy = claimant
		r.ClaimedUntil = claimUntil
		if err := b.Set(outboxKey(r.ID), encodeJSON(r), nil); err != nil {
			return nil, err
		}
		claimed = append(claimed, r)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxProcessed records successful publication (processed_at set,
// §4.6 "ack").
func (s *Store) MarkOutboxProcessed(id uint64, at time.Time) error {
	r, err := s.getOutbox(id)
	if err != nil {
		return err
	}
	r.ProcessedAt = &at
	return s.db.Set(outboxKey(id), encodeJSON(r), pebble.Sync)
}

// MarkOutboxFailed records a failed publish attempt, incrementing attempts,
// recording lastError, and holding the record back from reclaim until
// nextVisibleAt (the dispatcher's exponential backoff for the new attempt
// count), per §4.6 "retries are rescheduled with exponential backoff".
func (s *Store) MarkOutboxFailed(id uint64, publishErr error, nextVisibleAt time.Time) error {
	r, err := s.getOutbox(id)
	if err != nil {
		return err
	}
	r.Attempts++
	r.LastError = publishErr.Error()
	r.ClaimedBy = ""
	r.NextVisibleAt = nextVisibleAt
	return s.db.Set(outboxKey(id), encodeJSON(r), pebble.Sync)
}

func (s *Store) getOutbox(id uint64) (OutboxRecord, error) {
	v, closer, err := s.db.Get(outboxKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return OutboxRecord{}, ErrNotFound
		}
		return OutboxRecord{}, err
	}
	defer closer.Close()
	var r OutboxRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return OutboxRecord{}, err
	}
	return r, nil
}

// GetOutbox returns the outbox record by ID.
func (s *Store) GetOutbox(id uint64) (OutboxRecord, error) { return s.getOutbox(id) }

// MoveToDLQ atomically deletes the outbox record and writes its DLQ
// counterpart in one batch, matching §4.6's "max_attempts exceeded -> DLQ"
// transition.
func (s *Store) MoveToDLQ(r OutboxRecord, reason string, movedAt time.Time) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(outboxKey(r.ID), nil); err != nil {
		return err
	}
	dlq := DLQRecord{Original: r, MovedAt: movedAt, Reason: reason}
	if err := b.Set(dlqKey(r.ID), encodeJSON(dlq), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ListDLQ returns all DLQ records, optionally filtered by topic and a
// movedAt cutoff, for the replay tool's `stats`/`replay` subcommands.
func (s *Store) ListDLQ(topic string, since time.Time) ([]DLQRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixDLQ},
		UpperBound: []byte{prefixDLQ + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []DLQRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var d DLQRecord
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			continue
		}
		if topic != "" && d.Original.Topic != topic {
			continue
		}
		if !since.IsZero() && d.MovedAt.Before(since) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ReplayDLQ re-inserts a DLQ record into the outbox as a brand-new row
// (fresh monotone id, attempts reset) keyed by newIdempotencyKey rather
// than the original's, then removes the DLQ entry. Per §4.6 "DLQ replay",
// the caller derives newIdempotencyKey from the original plus a replay
// salt (clockid.Identifiers.ReplaySalt) so the replay can never collide
// with an original that is still sitting unprocessed in the outbox.
func (s *Store) ReplayDLQ(id uint64, newIdempotencyKey string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, closer, err := s.db.Get(dlqKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	var d DLQRecord
	uerr := json.Unmarshal(v, &d)
	closer.Close()
	if uerr != nil {
		return uerr
	}

	next, err := s.nextOutboxIDLocked()
	if err != nil {
		return err
	}
	rec := OutboxRecord{
		ID:             next,
		Topic:          d.Original.Topic,
		Key:            d.Original.Key,
		Payload:        d.Original.Payload,
		IdempotencyKey: newIdempotencyKey,
		CreatedAt:      now,
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(outboxKey(next), encodeJSON(rec), nil); err != nil {
		return err
	}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], next)
	if err := b.Set(idempKey(newIdempotencyKey), idBuf[:], nil); err != nil {
		return err
	}
	if err := b.Delete(dlqKey(id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// HasProcessedInbox reports whether (consumerGroup, messageID) has already
// been applied, the consumer-side half of at-least-once-plus-idempotency
// (§4.6 "Inbox dedupe").
func (s *Store) HasProcessedInbox(consumerGroup, messageID string) (bool, error) {
	_, closer, err := s.db.Get(inboxKey(consumerGroup, messageID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// MarkInboxProcessed records that a message has been consumed, making
// subsequent redeliveries of the same messageID no-ops.
func (s *Store) MarkInboxProcessed(consumerGroup, messageID string, at time.Time) error {
	rec := InboxRecord{ConsumerGroup: consumerGroup, MessageID: messageID, ProcessedAt: at}
	return s.db.Set(inboxKey(consumerGroup, messageID), encodeJSON(rec), pebble.Sync)
}

// AcquireLease implements the leader lease UPSERT: it succeeds (returning
// the new term) if no lease exists, the existing lease has expired, or
// candidateID already holds it; it fails otherwise. The whole
// read-modify-write is held under s.mu — the same lock Enqueue/ReplayDLQ
// take for their own read-modify-writes — because pebble itself gives no
// compare-and-swap: without the lock, two scheduler goroutines racing on
// the same lease key could both observe "no/expired lease" and both Set,
// each returning ok=true, producing two simultaneous leaders (testable
// property 7, scenario S6).
func (s *Store) AcquireLease(name, candidateID string, ttl time.Duration, now time.Time) (LeaderLease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey(name)
	v, closer, err := s.db.Get(key)
	var cur LeaderLease
	if err == nil {
		uerr := json.Unmarshal(v, &cur)
		closer.Close()
		if uerr != nil {
			return LeaderLease{}, false, uerr
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return LeaderLease{}, false, err
	}

	held := cur.HolderID != "" && now.Before(cur.ExpiresAt)
	if held && cur.HolderID != candidateID {
		return cur, false, nil
	}

	next := LeaderLease{
		Name:      name,
		HolderID:  candidateID,
		Term:      cur.Term + 1,
		ExpiresAt: now.Add(ttl),
	}
	if cur.HolderID == candidateID {
		next.Term = cur.Term // renewing, not a new term
	}
	if err := s.db.Set(key, encodeJSON(next), pebble.Sync); err != nil {
		return LeaderLease{}, false, err
	}
	return next, true, nil
}

// GetLease returns the current lease state for name, if any.
func (s *Store) GetLease(name string) (LeaderLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLeaseLocked(name)
}

// getLeaseLocked must be called with s.mu held.
func (s *Store) getLeaseLocked(name string) (LeaderLease, error) {
	v, closer, err := s.db.Get(leaseKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return LeaderLease{}, ErrNotFound
		}
		return LeaderLease{}, err
	}
	defer closer.Close()
	var l LeaderLease
	if err := json.Unmarshal(v, &l); err != nil {
		return LeaderLease{}, err
	}
	return l, nil
}

// ReleaseLease drops the lease immediately, used on graceful shutdown so a
// standby can take over without waiting out the full TTL.
func (s *Store) ReleaseLease(name, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.getLeaseLocked(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if cur.HolderID != holderID {
		return nil // already lost the lease to someone else; nothing to release
	}
	return s.db.Delete(leaseKey(name), pebble.Sync)
}
