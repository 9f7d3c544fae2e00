// Package scheduler implements the Background Scheduler Core (C6): a
// database-leased leader election, a per-job run loop with jittered
// intervals, and cooperative cancellation of an in-flight job run when the
// lease is lost — the same interrupt-signal technique the teacher's miner
// package uses to abort block-building when a new head arrives mid-build.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Interrupt signal values, mirroring miner/worker.go's commitInterrupt*
// constants: a job's Run function should poll Signal.Load() and abort
// promptly when it is non-zero.
const (
	SignalNone int32 = iota
	SignalLeaseLost
	SignalShutdown
)

// Job is one unit of scheduled work (§4.6 "ScheduledJob").
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	// JitterFactor widens Interval by +/- this fraction, per §4.2's jitter
	// formula, so a fleet of leaders-in-waiting doesn't thunder on failover.
	JitterFactor float64
	Run          func(ctx context.Context, signal *atomic.Int32) error
}

// LeaseConfig tunes the leader-election lease (§4.6).
type LeaseConfig struct {
	Name            string
	TTL             time.Duration
	HeartbeatPeriod time.Duration
}

// Scheduler owns leader election for LeaseConfig.Name and runs every
// registered Job exactly once at a time, only while it holds the lease.
type Scheduler struct {
	store      *store.Store
	clock      clockid.Clock
	ids        *clockid.Identifiers
	candidate  string
	lease      LeaseConfig

	mu       sync.Mutex
	jobs     []*Job
	running  map[string]bool
	isLeader atomic.Bool
	signal   atomic.Int32

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Scheduler. candidateID must be unique per process
// (e.g. hostname+pid) so lease holder identity is unambiguous.
func New(s *store.Store, clock clockid.Clock, ids *clockid.Identifiers, candidateID string, lease LeaseConfig) *Scheduler {
	if clock == nil {
		clock = clockid.Real
	}
	if lease.HeartbeatPeriod <= 0 {
		lease.HeartbeatPeriod = lease.TTL / 3
	}
	return &Scheduler{
		store: s, clock: clock, ids: ids, candidate: candidateID, lease: lease,
		running: make(map[string]bool),
		stop:    make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start.
func (sc *Scheduler) Register(j Job) {
	jj := j
	sc.jobs = append(sc.jobs, &jj)
}

// IsLeader reports whether this process currently holds the lease.
func (sc *Scheduler) IsLeader() bool { return sc.isLeader.Load() }

// Start launches the heartbeat loop and one runner goroutine per job. Jobs
// no-op while the lease isn't held.
func (sc *Scheduler) Start() {
	sc.wg.Add(1)
	go sc.heartbeatLoop()
	for _, j := range sc.jobs {
		sc.wg.Add(1)
		go sc.jobLoop(j)
	}
}

// Stop signals shutdown, lets any in-flight job run observe SignalShutdown,
// releases the lease if held, and waits for all goroutines to exit.
func (sc *Scheduler) Stop() {
	sc.signal.Store(SignalShutdown)
	close(sc.stop)
	sc.wg.Wait()
	if sc.isLeader.Load() {
		if err := sc.store.ReleaseLease(sc.lease.Name, sc.candidate); err != nil {
			obslog.Error("scheduler: failed to release lease on shutdown", "err", err)
		}
	}
}

func (sc *Scheduler) heartbeatLoop() {
	defer sc.wg.Done()
	period := sc.lease.HeartbeatPeriod
	timer := sc.clock.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-sc.stop:
			return
		case <-timer.C():
			sc.tryAcquireOrRenew()
			timer.Reset(period)
		}
	}
}

func (sc *Scheduler) tryAcquireOrRenew() {
	now := sc.clock.Now()
	lease, ok, err := sc.store.AcquireLease(sc.lease.Name, sc.candidate, sc.lease.TTL, now)
	if err != nil {
		obslog.Error("scheduler: lease renewal error", "lease", sc.lease.Name, "err", err)
		return
	}
	wasLeader := sc.isLeader.Load()
	sc.isLeader.Store(ok)

	if wasLeader && !ok {
		obslog.Event("scheduler.lease", map[string]interface{}{
			"ts": obslog.Now(), "lease": sc.lease.Name, "holder": sc.candidate, "transition": "lost",
		})
		sc.signal.Store(SignalLeaseLost)
		return
	}
	if !wasLeader && ok {
		obslog.Event("scheduler.lease", map[string]interface{}{
			"ts": obslog.Now(), "lease": sc.lease.Name, "holder": sc.candidate, "transition": "acquired", "term": lease.Term,
		})
		sc.signal.Store(SignalNone)
	}
}

var errSkippedOverlap = errors.New("scheduler: previous run still in flight")

func (sc *Scheduler) jobLoop(j *Job) {
	defer sc.wg.Done()
	next := sc.jitteredInterval(j)
	timer := sc.clock.NewTimer(next)
	defer timer.Stop()
	for {
		select {
		case <-sc.stop:
			return
		case <-timer.C():
			if sc.isLeader.Load() {
				sc.runOnce(j)
			}
			timer.Reset(sc.jitteredInterval(j))
		}
	}
}

func (sc *Scheduler) jitteredInterval(j *Job) time.Duration {
	if j.JitterFactor <= 0 {
		return j.Interval
	}
	return sc.ids.Jitter(j.Interval, 1-j.JitterFactor, 1+j.JitterFactor)
}

// runOnce executes j.Run if no run for j.Name is already in flight,
// preventing overlapping executions of the same job (§5 "Job mutual
// exclusion"). The run observes SignalLeaseLost/SignalShutdown via the
// shared *atomic.Int32, exactly as miner.commitTransactions polls its
// interrupt parameter.
func (sc *Scheduler) runOnce(j *Job) {
	sc.mu.Lock()
	if sc.running[j.Name] {
		sc.mu.Unlock()
		obslog.Debug("scheduler: skipping overlapping run", "job", j.Name)
		return
	}
	sc.running[j.Name] = true
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		sc.running[j.Name] = false
		sc.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), j.Timeout)
	defer cancel()

	start := sc.clock.Now()
	err := j.Run(ctx, &sc.signal)
	latency := sc.clock.Now().Sub(start)
	if err != nil {
		obslog.Error("scheduler: job run failed", "job", j.Name, "latency_ms", latency.Milliseconds(), "err", err)
		return
	}
	obslog.Debug("scheduler: job run ok", "job", j.Name, "latency_ms", latency.Milliseconds())
}
