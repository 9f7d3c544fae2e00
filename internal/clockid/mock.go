package clockid

import (
	"sync"
	"time"
)

// Mock is a deterministic Clock for tests: time only advances when Advance
// is called, so coalescer/breaker/scheduler tests never rely on real sleeps.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

type mockWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
}

// NewMock returns a Mock clock starting at the given wall time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWaiter{deadline: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.waiters = append(m.waiters, w)
	return w.ch
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWaiter{deadline: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.waiters = append(m.waiters, w)
	return &mockTimer{m: m, w: w}
}

// Advance moves the clock forward by d, firing any waiter whose deadline has
// now elapsed.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	for _, w := range m.waiters {
		if !w.fired && !w.deadline.After(m.now) {
			w.fired = true
			select {
			case w.ch <- m.now:
			default:
			}
		}
	}
}

type mockTimer struct {
	m *Mock
	w *mockWaiter
}

func (t *mockTimer) C() <-chan time.Time { return t.w.ch }

func (t *mockTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	fired := t.w.fired
	t.w.fired = true
	return !fired
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	active := !t.w.fired
	t.w.fired = false
	t.w.deadline = t.m.now.Add(d)
	t.w.ch = make(chan time.Time, 1)
	return active
}
