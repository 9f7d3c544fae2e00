// Package coalesce implements the Request Coalescer (C4): for a given
// fingerprint, at most one compute() runs at a time across all concurrent
// callers, and every caller observes the identical (value, error) outcome.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
)

var (
	// ErrCoalesceTimeout is returned to a waiter whose deadline elapsed
	// before the primary published an outcome. It never cancels the
	// primary's work (§4.4 step 5).
	ErrCoalesceTimeout = errors.New("coalesce: waiter deadline exceeded")

	// ErrPrimaryFailed wraps a captured panic from the primary's compute
	// function (§4.4 step 4). A plain error returned by compute is
	// propagated as-is, not wrapped in this.
	ErrPrimaryFailed = errors.New("coalesce: primary computation aborted")
)

// Result is what every waiter on a slot receives.
type Result struct {
	Value interface{}
	Err   error
}

type slot struct {
	fingerprint string
	startedAt   time.Time
	waiters     int
	done        chan struct{}
	result      Result
	published   bool
}

// Coalescer owns the in-progress slot table. The zero value is not usable;
// construct with New.
type Coalescer struct {
	clock clockid.Clock

	mu    sync.Mutex
	slots map[string]*slot

	maxInflightAge time.Duration
	stopWatchdog   chan struct{}
	watchdogOnce   sync.Once
}

// New constructs a Coalescer. maxInflightAge bounds how long a slot may
// remain in-progress before a watchdog force-removes it (§4.4 "Memory
// bound"), protecting against a primary that vanished without publishing.
func New(clock clockid.Clock, maxInflightAge time.Duration) *Coalescer {
	if clock == nil {
		clock = clockid.Real
	}
	c := &Coalescer{
		clock:          clock,
		slots:          make(map[string]*slot),
		maxInflightAge: maxInflightAge,
		stopWatchdog:   make(chan struct{}),
	}
	return c
}

// StartWatchdog launches the background sweep that removes stale slots. It
// is idempotent and safe to call once at startup; callers should defer
// Close() to stop it.
func (c *Coalescer) StartWatchdog(interval time.Duration) {
	c.watchdogOnce.Do(func() {
		go c.watchdogLoop(interval)
	})
}

func (c *Coalescer) watchdogLoop(interval time.Duration) {
	t := c.clock.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopWatchdog:
			return
		case <-t.C():
			c.sweepStale()
			t.Reset(interval)
		}
	}
}

func (c *Coalescer) sweepStale() {
	if c.maxInflightAge <= 0 {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, s := range c.slots {
		if !s.published && now.Sub(s.startedAt) >= c.maxInflightAge {
			s.result = Result{Err: fmt.Errorf("%w: slot exceeded max_inflight_age", ErrPrimaryFailed)}
			s.published = true
			close(s.done)
			delete(c.slots, fp)
		}
	}
}

// Close stops the watchdog goroutine, if started.
func (c *Coalescer) Close() {
	select {
	case <-c.stopWatchdog:
	default:
		close(c.stopWatchdog)
	}
}

// Do runs compute at most once for fingerprint among all concurrent
// callers and returns the identical outcome to each. deadline bounds only
// this caller's wait; it never cancels a primary already running (§4.4
// step 5, §5 "Cancellation and timeouts").
func (c *Coalescer) Do(ctx context.Context, fingerprint string, deadline time.Duration, compute func(context.Context) (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if s, ok := c.slots[fingerprint]; ok {
		s.waiters++
		c.mu.Unlock()
		return c.wait(ctx, s, deadline)
	}

	s := &slot{
		fingerprint: fingerprint,
		startedAt:   c.clock.Now(),
		waiters:     1,
		done:        make(chan struct{}),
	}
	c.slots[fingerprint] = s
	c.mu.Unlock()

	c.runPrimary(s, compute)
	return s.result.Value, s.result.Err
}

func (c *Coalescer) runPrimary(s *slot, compute func(context.Context) (interface{}, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.publish(s, Result{Err: fmt.Errorf("%w: %v", ErrPrimaryFailed, r)})
		}
	}()
	val, err := compute(context.Background())
	c.publish(s, Result{Value: val, Err: err})
}

func (c *Coalescer) publish(s *slot, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.published {
		return
	}
	s.result = res
	s.published = true
	if cur, ok := c.slots[s.fingerprint]; ok && cur == s {
		delete(c.slots, s.fingerprint)
	}
	close(s.done)
}

func (c *Coalescer) wait(ctx context.Context, s *slot, deadline time.Duration) (interface{}, error) {
	timer := c.clock.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.result.Value, s.result.Err
	case <-timer.C():
		return nil, ErrCoalesceTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inflight reports whether a slot is currently in-progress for fingerprint,
// useful for tests and observability.
func (c *Coalescer) Inflight(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[fingerprint]
	return ok
}
