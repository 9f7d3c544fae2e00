// Package datahub implements the Data Hub (C5): composes the Cache Store,
// Provider Registry, and Request Coalescer into a typed Fetch(key) with
// fallback chains and stale-while-revalidate refresh.
package datahub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ArabotHXL/BTC-project-sub002/internal/cache"
	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
	"github.com/ArabotHXL/BTC-project-sub002/internal/coalesce"
	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
	"github.com/ArabotHXL/BTC-project-sub002/internal/provider"
)

// ErrAllSourcesFailed is returned when the entire provider chain fails and
// no stale entry is available to degrade to (§7 "All-sources-failed").
var ErrAllSourcesFailed = errors.New("datahub: all sources failed")

// Meta is returned alongside the value from Fetch.
type Meta struct {
	Cached    bool
	Degraded  bool
	Source    string
	FetchedAt time.Time
}

// Kind configures one resource kind's fetch policy (§4.5).
type Kind struct {
	Name        string
	FreshTTL    time.Duration
	StaleTTL    time.Duration
	NegativeTTL time.Duration // §12 "Negative caching" — 0 disables negative caching for this kind.
	Deadline    time.Duration
	SWR         bool
	MaxInflight int64 // per-kind concurrent provider calls, §5 backpressure.
	Chain       []provider.Descriptor
}

// Fingerprint canonicalizes (kind, params) into a stable cache/coalesce key.
// Parameters are sorted by name before hashing so request order never
// changes the fingerprint (§3 "Fingerprint").
func Fingerprint(kind string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(kind))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

type kindState struct {
	cfg   Kind
	sem   *semaphore.Weighted
	chain *provider.Chain
	// everGood is written from the coalescer's compute goroutine
	// (computeAndCache) and read from Ready/ReadyAll, which the /healthz
	// handler calls from request goroutines — it needs atomic access, not
	// plain bool, to avoid a data race between the two.
	everGood atomic.Bool
}

// Hub is the Data Hub. Construct with New, register kinds with Register,
// then call Fetch.
type Hub struct {
	cache     *cache.Store
	coalescer *coalesce.Coalescer
	breakers  *provider.Registry
	clock     clockid.Clock
	ids       *clockid.Identifiers

	kinds map[string]*kindState
}

// New constructs a Hub over the given Cache Store and Coalescer.
func New(c *cache.Store, coalescer *coalesce.Coalescer, breakers *provider.Registry, clock clockid.Clock, ids *clockid.Identifiers) *Hub {
	if clock == nil {
		clock = clockid.Real
	}
	return &Hub{cache: c, coalescer: coalescer, breakers: breakers, clock: clock, ids: ids, kinds: make(map[string]*kindState)}
}

// Register adds (or idempotently replaces) the fetch policy for one kind.
func (h *Hub) Register(cfg Kind) {
	maxInflight := cfg.MaxInflight
	if maxInflight < 1 {
		maxInflight = 8
	}
	h.kinds[cfg.Name] = &kindState{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(maxInflight),
		chain: provider.NewChain(cfg.Name, cfg.Chain, h.clock, h.ids, h.breakers),
	}
}

// Ready reports whether at least one successful provider probe has landed
// for kind, per §12's resolution of the "fast startup" open question.
func (h *Hub) Ready(kind string) bool {
	ks, ok := h.kinds[kind]
	return ok && ks.everGood.Load()
}

// ReadyAll reports whether every registered kind is Ready.
func (h *Hub) ReadyAll() bool {
	for name := range h.kinds {
		if !h.Ready(name) {
			return false
		}
	}
	return true
}

// Fetch implements §4.5. The kind's Deadline (5s when unset) bounds both
// this caller's wait on a coalesced computation and that computation's own
// provider-chain run; a waiter timing out does not cancel the computation.
func (h *Hub) Fetch(ctx context.Context, kind string, params map[string]string) ([]byte, Meta, error) {
	ks, ok := h.kinds[kind]
	if !ok {
		return nil, Meta{}, fmt.Errorf("datahub: unregistered kind %q", kind)
	}
	fp := Fingerprint(kind, params)
	deadline := ks.cfg.Deadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	entry, status := h.cache.Get(fp)
	switch status {
	case cache.HitFresh:
		return entry.Value, Meta{Cached: true, Source: entry.Source, FetchedAt: entry.CreatedAt}, nil
	case cache.HitStale:
		if ks.cfg.SWR {
			h.scheduleRefresh(ks, fp, params, deadline)
			return entry.Value, Meta{Cached: true, Source: entry.Source, FetchedAt: entry.CreatedAt}, nil
		}
		// fall through to a synchronous recompute
	case cache.Miss:
		// fall through
	}

	val, meta, err := h.computeAndCache(ctx, ks, fp, params, deadline)
	if err == nil {
		return val, meta, nil
	}

	// §4.5 step 4 / §7 "All-sources-failed": degrade to a stale entry if
	// one still exists (it may have expired between the Get above and now).
	if stale, sstatus := h.cache.Get(fp); sstatus != cache.Miss {
		return stale.Value, Meta{Cached: true, Degraded: true, Source: stale.Source, FetchedAt: stale.CreatedAt}, nil
	}
	return nil, Meta{}, fmt.Errorf("%w: %v", ErrAllSourcesFailed, err)
}

func (h *Hub) computeAndCache(ctx context.Context, ks *kindState, fp string, params map[string]string, deadline time.Duration) ([]byte, Meta, error) {
	v, err := h.coalescer.Do(ctx, fp, deadline, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		if err := ks.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer ks.sem.Release(1)

		out, err := ks.chain.Run(ctx, params)
		if err != nil {
			return nil, err
		}
		freshTTL, staleTTL := ks.cfg.FreshTTL, ks.cfg.StaleTTL
		source := out.ProviderID
		if out.NoData {
			// §12 "Negative caching": a confirmed-absent result gets its own,
			// usually much shorter, TTL so a flapping source doesn't re-walk
			// the whole fallback chain on every poll.
			freshTTL, staleTTL = ks.cfg.NegativeTTL, ks.cfg.NegativeTTL
			source = "negative"
		}
		h.cache.Put(fp, out.Value, freshTTL, staleTTL, source, out.ETag)
		ks.everGood.Store(true)
		return out, nil
	})
	if err != nil {
		return nil, Meta{}, err
	}
	out := v.(provider.Outcome)
	source := out.ProviderID
	if out.NoData {
		source = "negative"
	}
	return out.Value, Meta{Source: source, FetchedAt: out.FetchedAt}, nil
}

// scheduleRefresh launches a best-effort background recompute for fp. Its
// failures are logged and swallowed (§7 propagation policy); they never
// reach the caller who already got a stale-but-serveable value.
func (h *Hub) scheduleRefresh(ks *kindState, fp string, params map[string]string, deadline time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		if _, _, err := h.computeAndCache(ctx, ks, fp, params, deadline); err != nil {
			obslog.Error("swr background refresh failed", "fingerprint", fp, "err", err)
		}
	}()
}

// Invalidate implements DataHub.Invalidate(kind, params) from §6.
func (h *Hub) Invalidate(kind string, params map[string]string) {
	h.cache.Invalidate(Fingerprint(kind, params))
}

// Stats exposes the underlying Cache Store's Stats() for observability.
func (h *Hub) Stats() cache.Stats { return h.cache.Stats() }

// Breakers exposes the underlying breaker Registry for Breaker.Snapshot().
func (h *Hub) Breakers() *provider.Registry { return h.breakers }
