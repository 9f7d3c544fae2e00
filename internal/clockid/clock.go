// Package clockid is the core's Clock & Identifier Service (C1): monotonic
// and wall time, unique ids, and random nonces, all behind small interfaces
// so the coalescer, breaker, retry, scheduler, and outbox code can be driven
// by a fake clock in tests without sleeping real wall time. The cache store
// reads wall time directly and does not take a Clock.
package clockid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall and monotonic time. The real implementation wraps
// time.Now/time.Since; tests substitute a Mock that advances deterministically.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Since returns the monotonic elapsed duration since t.
	Since(t time.Time) time.Duration
	// After behaves like time.After but is driven by this Clock in tests.
	After(d time.Duration) <-chan time.Time
	// NewTimer behaves like time.NewTimer but is driven by this Clock in tests.
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer the core needs, so a Mock clock can
// substitute its own implementation.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

// Real is the production Clock backed by the standard library.
var Real Clock = realClock{}

func (realClock) Now() time.Time                   { return time.Now() }
func (realClock) Since(t time.Time) time.Duration   { return time.Since(t) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Stop() bool               { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// Identifiers issues unique ids and nonces. A single instance is shared
// process-wide; it holds no mutable state of its own beyond the
// math/rand.Rand used for jitter, which is safe under its own lock.
type Identifiers struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewIdentifiers constructs an Identifiers service seeded from crypto-grade
// entropy via uuid's generator (so jitter sequences differ across process
// restarts without the caller managing a seed).
func NewIdentifiers() *Identifiers {
	seed := int64(uuid.New().ID())
	return &Identifiers{rnd: rand.New(rand.NewSource(seed))}
}

// NewID returns a fresh random identifier suitable for event ids, leader
// holder ids, or any other "just give me a unique token" need.
func (Identifiers) NewID() string {
	return uuid.New().String()
}

// IdempotencyKey returns a fresh random idempotency key (a UUID) for an
// outbox record; every call returns a different key. Callers that already
// have a natural business key (e.g. invoice id + line) should pass that to
// the outbox directly instead of using this.
func (Identifiers) IdempotencyKey() string {
	return uuid.New().String()
}

// ReplaySalt derives a new idempotency key from an original one plus a
// replay marker, per §4.6 "DLQ replay", so a replayed event never collides
// with any not-yet-processed original.
func (Identifiers) ReplaySalt(original string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("replay:"+original+":"+uuid.New().String())).String()
}

// Jitter returns d scaled by a uniform random factor in [minFactor,
// maxFactor), used by retry backoff (§4.2) and scheduler tick jitter (§4.6).
func (id *Identifiers) Jitter(d time.Duration, minFactor, maxFactor float64) time.Duration {
	id.mu.Lock()
	f := minFactor + id.rnd.Float64()*(maxFactor-minFactor)
	id.mu.Unlock()
	return time.Duration(float64(d) * f)
}
