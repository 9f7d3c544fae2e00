// Package outbox implements the transactional outbox dispatcher half of
// C6: poll claimed batches from the store, publish each to a message bus,
// ack on success, and move to the dead-letter queue after exhausting
// retries. Throughput is throttled with golang.org/x/time/rate and
// payloads are compressed with golang/snappy before publish, mirroring the
// teacher's own compression choice for its chain data (core/rawdb).
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/time/rate"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Publisher is the message-bus abstraction the dispatcher publishes
// through; production code wires this to whatever broker client the
// deployment uses.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// ErrPoisonPayload marks a publish failure as a serialization/invariant
// error rather than a transient broker problem: a Publisher wraps (via
// fmt.Errorf("...: %w", ErrPoisonPayload)) or returns this directly when
// the payload itself is the problem (malformed encoding, a schema the
// broker rejects outright, ...). Per §7 "Serialization/invariant error",
// such a record is moved straight to the DLQ with no retry, unlike every
// other publish failure.
var ErrPoisonPayload = errors.New("outbox: poison payload, will not retry")

// Config tunes one Dispatcher.
type Config struct {
	Claimant    string
	BatchSize   int
	ClaimTTL    time.Duration
	MaxAttempts int

	// RetryInitialDelay/RetryMaxDelay/RetryMultiplier parameterize the
	// same delay_n = min(max, initial*multiplier^(n-1)) formula §4.2
	// specifies for provider retries, applied here to outbox redelivery
	// backoff (§4.6 "retries are rescheduled with exponential backoff").
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64

	RatePerSec   float64
	RateBurst    int
	PollInterval time.Duration
}

// Dispatcher claims and publishes one outbox batch per RunOnce call; it
// has no loop of its own. It is meant to run under a scheduler.Job so only the leader
// dispatches (avoiding duplicate publishes from standbys), though it is
// also safe to run standalone since claims are exclusive at the store
// layer regardless.
type Dispatcher struct {
	store     *store.Store
	publisher Publisher
	clock     clockid.Clock
	ids       *clockid.Identifiers
	cfg       Config
	limiter   *rate.Limiter
}

// New constructs a Dispatcher. ids may be nil, in which case retry
// backoff is applied without jitter.
func New(s *store.Store, pub Publisher, clock clockid.Clock, ids *clockid.Identifiers, cfg Config) *Dispatcher {
	if clock == nil {
		clock = clockid.Real
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.RetryMultiplier <= 1 {
		cfg.RetryMultiplier = 2
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RatePerSec)
	}
	return &Dispatcher{
		store: s, publisher: pub, clock: clock, ids: ids, cfg: cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
	}
}

// backoff computes the redelivery delay for the given attempt count (1 =
// first failure), per §4.2's delay_n formula reused for outbox retries.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := float64(d.cfg.RetryInitialDelay)
	for i := 1; i < attempt; i++ {
		base *= d.cfg.RetryMultiplier
		if time.Duration(base) > d.cfg.RetryMaxDelay {
			base = float64(d.cfg.RetryMaxDelay)
			break
		}
	}
	delay := time.Duration(base)
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	if d.ids == nil {
		return delay
	}
	return d.ids.Jitter(delay, 0.5, 1.5)
}

// RunOnce claims and publishes one batch. Returns the number of records
// processed (published or moved to DLQ). It is the function a
// scheduler.Job.Run typically wraps.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.clock.Now()
	claimed, err := d.store.ClaimOutboxBatch(d.cfg.Claimant, d.cfg.BatchSize, now.Add(d.cfg.ClaimTTL), now)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}
	for _, rec := range claimed {
		if err := d.limiter.Wait(ctx); err != nil {
			return len(claimed), err
		}
		d.publishOne(ctx, rec)
	}
	return len(claimed), nil
}

func (d *Dispatcher) publishOne(ctx context.Context, rec store.OutboxRecord) {
	compressed := snappy.Encode(nil, rec.Payload)
	err := d.publisher.Publish(ctx, rec.Topic, rec.Key, compressed)
	if err == nil {
		if merr := d.store.MarkOutboxProcessed(rec.ID, d.clock.Now()); merr != nil {
			obslog.Error("outbox: failed to mark processed", "id", rec.ID, "err", merr)
			return
		}
		obslog.Event("outbox.publish", map[string]interface{}{
			"ts": obslog.Now(), "id": rec.ID, "topic": rec.Topic, "status": "ok",
		})
		return
	}

	attempts := rec.Attempts + 1

	// A poison payload is not a broker hiccup: retrying it to max_attempts
	// would just burn the retry budget on something that can never
	// succeed. Skip straight to the DLQ (§4.6/§7).
	if errors.Is(err, ErrPoisonPayload) {
		rec.Attempts = attempts
		rec.LastError = err.Error()
		obslog.Event("outbox.publish", map[string]interface{}{
			"ts": obslog.Now(), "id": rec.ID, "topic": rec.Topic, "status": "poison", "attempts": attempts, "details": err.Error(),
		})
		if derr := d.store.MoveToDLQ(rec, "poison payload", d.clock.Now()); derr != nil {
			obslog.Error("outbox: failed to move poison record to DLQ", "id", rec.ID, "err", derr)
			return
		}
		obslog.Warn("outbox: poison record moved to DLQ", "id", rec.ID, "topic", rec.Topic)
		return
	}

	nextVisible := d.clock.Now().Add(d.backoff(attempts))
	if ferr := d.store.MarkOutboxFailed(rec.ID, err, nextVisible); ferr != nil {
		obslog.Error("outbox: failed to record publish failure", "id", rec.ID, "err", ferr)
		return
	}
	obslog.Event("outbox.publish", map[string]interface{}{
		"ts": obslog.Now(), "id": rec.ID, "topic": rec.Topic, "status": "error", "attempts": attempts, "details": err.Error(),
	})
	if attempts >= d.cfg.MaxAttempts {
		rec.Attempts = attempts
		rec.LastError = err.Error()
		if derr := d.store.MoveToDLQ(rec, "max_attempts exceeded", d.clock.Now()); derr != nil {
			obslog.Error("outbox: failed to move to DLQ", "id", rec.ID, "err", derr)
			return
		}
		obslog.Warn("outbox: record moved to DLQ", "id", rec.ID, "topic", rec.Topic, "attempts", attempts)
	}
}

// Consume applies handle to payload exactly once per (consumerGroup,
// messageID), decompressing with snappy first. It is the consumer-side
// counterpart implementing inbox idempotency (§4.6).
func Consume(s *store.Store, clock clockid.Clock, consumerGroup, messageID string, compressed []byte, handle func(payload []byte) error) error {
	done, err := s.HasProcessedInbox(consumerGroup, messageID)
	if err != nil {
		return fmt.Errorf("outbox: inbox lookup: %w", err)
	}
	if done {
		obslog.Debug("outbox: duplicate delivery skipped", "consumer_group", consumerGroup, "message_id", messageID)
		return nil
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("outbox: decompress: %w", err)
	}
	if err := handle(payload); err != nil {
		return err
	}
	now := time.Now()
	if clock != nil {
		now = clock.Now()
	}
	return s.MarkInboxProcessed(consumerGroup, messageID, now)
}
