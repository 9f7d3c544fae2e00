package provider

import (
	"sync"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
)

// BreakerMode is the circuit breaker's state (§4.3).
type BreakerMode int

const (
	Closed BreakerMode = iota
	Open
	HalfOpen
)

func (m BreakerMode) String() string {
	switch m {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerConfig tunes a single breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	HalfOpenProbes   int
}

// Breaker is a per-(process, provider) circuit breaker. All state
// transitions happen under a single mutex: the spec's "compare-and-swap"
// language in §5 describes the effect (serialized transitions), not a
// mandated lock-free implementation.
type Breaker struct {
	providerID string
	cfg        BreakerConfig
	clock      clockid.Clock

	mu                sync.Mutex
	mode              BreakerMode
	consecutiveFails  int
	openedAt          time.Time
	halfOpenInflight  int
}

// NewBreaker constructs a Breaker for the named provider.
func NewBreaker(providerID string, cfg BreakerConfig, clock clockid.Clock) *Breaker {
	if clock == nil {
		clock = clockid.Real
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{providerID: providerID, cfg: cfg, clock: clock, mode: Closed}
}

// ErrCircuitOpen is returned by Allow when the breaker is fast-failing.
type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "provider: circuit open" }

// ErrCircuitOpen is the sentinel for a fast-failed call (§7 "Breaker-open").
var ErrCircuitOpen error = circuitOpenError{}

// Allow decides whether a call may proceed, transitioning OPEN->HALF_OPEN
// when the cool-down has elapsed. It returns ErrCircuitOpen if the call
// must fast-fail.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case Closed:
		return nil
	case Open:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.CoolDown {
			b.transition(HalfOpen)
			b.halfOpenInflight = 1
			return nil
		}
		return ErrCircuitOpen
	case HalfOpen:
		if b.halfOpenInflight < b.cfg.HalfOpenProbes {
			b.halfOpenInflight++
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.mode {
	case HalfOpen:
		b.transition(Closed)
		b.consecutiveFails = 0
		b.halfOpenInflight = 0
	case Closed:
		b.consecutiveFails = 0
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.mode {
	case HalfOpen:
		b.halfOpenInflight = 0
		b.transition(Open)
		b.openedAt = b.clock.Now()
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transition(Open)
			b.openedAt = b.clock.Now()
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerMode) {
	from := b.mode
	if from == to {
		return
	}
	b.mode = to
	obslog.Event("breaker.transition", map[string]interface{}{
		"ts": obslog.Now(), "provider": b.providerID, "from": from.String(), "to": to.String(),
	})
}

// Snapshot is one row of Breaker.Snapshot() (§6).
type Snapshot struct {
	Provider  string
	State     string
	Failures  int
	OpenedAt  time.Time
}

// Snapshot returns a read-only view of this breaker's state for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Provider: b.providerID, State: b.mode.String(), Failures: b.consecutiveFails, OpenedAt: b.openedAt}
}

// Registry owns one Breaker per provider id, so the Hub and CLI tools can
// fetch a full Breaker.Snapshot() across all registered providers (§6).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs an empty breaker Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the Breaker for providerID, creating it with cfg on
// first use.
func (r *Registry) GetOrCreate(providerID string, cfg BreakerConfig, clock clockid.Clock) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerID]; ok {
		return b
	}
	b := NewBreaker(providerID, cfg, clock)
	r.breakers[providerID] = b
	return b
}

// Snapshot returns a Snapshot per registered provider.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
