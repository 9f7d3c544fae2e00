package provider

import (
	"context"
	"errors"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
)

// Kind distinguishes a provider's position in the fallback chain (§3
// ProviderDescriptor.kind).
type Kind int

const (
	Primary Kind = iota
	Fallback
)

// Fetcher is what a concrete data source implements: go out to the
// network (or a websocket/SSE stream, see WebSocketFetcher and SSEFetcher) and return
// raw bytes plus a producer-assigned etag.
type Fetcher interface {
	Fetch(ctx context.Context, params map[string]string) (value []byte, etag string, err error)
}

// Validator sanity-checks a successful payload (§4.2 #4), e.g. "BTC price
// within (0, 1e7] USD". A validation failure is treated as non-retryable
// for that provider.
type Validator func(value []byte) error

// Descriptor is §3's ProviderDescriptor, immutable after registration.
type Descriptor struct {
	ID       string
	Kind     Kind
	Priority int
	Timeout  time.Duration
	Retry    RetryPolicy
	Breaker  BreakerConfig
	Validate Validator
	Fetcher  Fetcher
}

// ErrNoData is returned by a Fetcher (or wrapped via NonRetryable) to mean
// "the provider answered and confirms there is nothing here" as distinct
// from a failure — e.g. a miner-telemetry gateway confirming a miner is
// offline. The chain treats this as a successful, breaker-satisfying
// outcome with Outcome.NoData set, rather than falling through to the next
// provider (§12 "Negative caching").
var ErrNoData = errors.New("provider: confirmed no data")

// Outcome is the result of calling one Descriptor.
type Outcome struct {
	ProviderID string
	Value      []byte
	ETag       string
	FetchedAt  time.Time
	Err        error
	LatencyMS  int64
	NoData     bool
}

// Chain runs an ordered list of Descriptors for one resource kind. It is
// the engine behind §4.5 step 3a: "For each provider in order, attempt
// with its retry+breaker+timeout rules."
type Chain struct {
	kindName   string
	descs      []Descriptor
	clock      clockid.Clock
	ids        *clockid.Identifiers
	registry   *Registry
}

// NewChain constructs a Chain for resource kind kindName. Descriptors are
// tried in the order given (callers are expected to have sorted by
// Priority already, matching §4.2's "ordered list of providers").
func NewChain(kindName string, descs []Descriptor, clock clockid.Clock, ids *clockid.Identifiers, registry *Registry) *Chain {
	return &Chain{kindName: kindName, descs: descs, clock: clock, ids: ids, registry: registry}
}

// ErrChainExhausted is returned when every provider in the chain failed.
var ErrChainExhausted = errors.New("provider: fallback chain exhausted")

// Run walks the chain in order, returning the first success. Every attempt
// (success or failure) emits a datahub.fetch-shaped event; the caller
// (DataHub) additionally owns cache population.
func (c *Chain) Run(ctx context.Context, params map[string]string) (Outcome, error) {
	var lastErr error = ErrChainExhausted
	for _, d := range c.descs {
		out := c.callOne(ctx, d, params)
		if out.Err == nil {
			return out, nil
		}
		lastErr = out.Err
	}
	return Outcome{}, lastErr
}

func (c *Chain) callOne(ctx context.Context, d Descriptor, params map[string]string) Outcome {
	breaker := c.registry.GetOrCreate(d.ID, d.Breaker, c.clock)

	if err := breaker.Allow(); err != nil {
		obslog.Event("datahub.fetch", map[string]interface{}{
			"ts": obslog.Now(), "source": d.ID, "key": c.kindName, "status": "error", "details": err.Error(),
		})
		return Outcome{ProviderID: d.ID, Err: err}
	}

	start := c.clock.Now()
	var value []byte
	var etag string

	err := callWithRetry(ctx, c.clock, c.ids, d.Retry, d.Timeout, func(attemptCtx context.Context) error {
		v, e, err := d.Fetcher.Fetch(attemptCtx, params)
		if err != nil {
			return err
		}
		if d.Validate != nil {
			if verr := d.Validate(v); verr != nil {
				return NonRetryable(verr)
			}
		}
		value, etag = v, e
		return nil
	})
	latency := c.clock.Now().Sub(start)

	if err != nil && errors.Is(err, ErrNoData) {
		breaker.RecordSuccess()
		obslog.Event("datahub.fetch", map[string]interface{}{
			"ts": obslog.Now(), "source": d.ID, "key": c.kindName, "status": "no-data", "latency_ms": latency.Milliseconds(),
		})
		return Outcome{ProviderID: d.ID, FetchedAt: c.clock.Now(), LatencyMS: latency.Milliseconds(), NoData: true}
	}
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			breaker.RecordFailure()
		}
		obslog.Event("datahub.fetch", map[string]interface{}{
			"ts": obslog.Now(), "source": d.ID, "key": c.kindName, "status": "error",
			"latency_ms": latency.Milliseconds(), "details": err.Error(),
		})
		return Outcome{ProviderID: d.ID, Err: err, LatencyMS: latency.Milliseconds()}
	}

	breaker.RecordSuccess()
	obslog.Event("datahub.fetch", map[string]interface{}{
		"ts": obslog.Now(), "source": d.ID, "key": c.kindName, "status": "ok", "latency_ms": latency.Milliseconds(),
	})
	return Outcome{ProviderID: d.ID, Value: value, ETag: etag, FetchedAt: c.clock.Now(), LatencyMS: latency.Milliseconds()}
}
