package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
)

type fakeFetcher struct {
	fn func(ctx context.Context, params map[string]string) ([]byte, string, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, params map[string]string) ([]byte, string, error) {
	return f.fn(ctx, params)
}

// TestFallbackOnBreakerOpen is scenario S3: provider A fails enough times
// to open its breaker, then a later call must skip A entirely and succeed
// via fallback provider B.
func TestFallbackOnBreakerOpen(t *testing.T) {
	clock := clockid.NewMock(time.Now())
	ids := clockid.NewIdentifiers()
	reg := NewRegistry()

	var aCalls, bCalls int
	failA := Descriptor{
		ID: "A", Kind: Primary, Timeout: time.Second,
		Retry:   RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Breaker: BreakerConfig{FailureThreshold: 5, CoolDown: time.Minute, HalfOpenProbes: 1},
		Fetcher: &fakeFetcher{fn: func(ctx context.Context, p map[string]string) ([]byte, string, error) {
			aCalls++
			return nil, "", Retryable(errors.New("upstream down"))
		}},
	}
	okB := Descriptor{
		ID: "B", Kind: Fallback, Timeout: time.Second,
		Retry:   RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Breaker: BreakerConfig{FailureThreshold: 5, CoolDown: time.Minute, HalfOpenProbes: 1},
		Fetcher: &fakeFetcher{fn: func(ctx context.Context, p map[string]string) ([]byte, string, error) {
			bCalls++
			return []byte("42"), "etag-b", nil
		}},
	}

	chain := NewChain("btc-price", []Descriptor{failA, okB}, clock, ids, reg)

	// Drive A's breaker open by recording 5 failures on it directly, without
	// going through the chain, so neither A's nor B's fetcher runs here.
	breakerA := reg.GetOrCreate("A", failA.Breaker, clock)
	for i := 0; i < 5; i++ {
		require.NoError(t, breakerA.Allow())
		breakerA.RecordFailure()
	}
	require.Equal(t, "OPEN", breakerA.Snapshot().State)

	aCallsBefore := aCalls
	out, err := chain.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "B", out.ProviderID)
	require.Equal(t, []byte("42"), out.Value)
	require.Equal(t, aCallsBefore, aCalls, "A must not be called while its breaker is open")
	require.Equal(t, 1, bCalls)
}

func TestRetryExhaustionFallsThroughChain(t *testing.T) {
	// Real clock: callWithRetry waits out the backoff on this clock between
	// attempts, and a Mock that is never advanced would never fire.
	clock := clockid.Real
	ids := clockid.NewIdentifiers()
	reg := NewRegistry()

	attempts := 0
	flaky := Descriptor{
		ID: "flaky", Timeout: time.Second,
		Retry:   RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		Breaker: BreakerConfig{FailureThreshold: 10, CoolDown: time.Minute, HalfOpenProbes: 1},
		Fetcher: &fakeFetcher{fn: func(ctx context.Context, p map[string]string) ([]byte, string, error) {
			attempts++
			return nil, "", Retryable(errors.New("timeout"))
		}},
	}
	good := Descriptor{
		ID: "good", Timeout: time.Second,
		Retry:   RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Breaker: BreakerConfig{FailureThreshold: 10, CoolDown: time.Minute, HalfOpenProbes: 1},
		Fetcher: &fakeFetcher{fn: func(ctx context.Context, p map[string]string) ([]byte, string, error) {
			return []byte("ok"), "", nil
		}},
	}

	chain := NewChain("kind", []Descriptor{flaky, good}, clock, ids, reg)
	out, err := chain.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "good", out.ProviderID)
	require.Equal(t, 3, attempts, "must retry up to max_attempts before falling through")
}

func TestValidationFailureIsNonRetryable(t *testing.T) {
	clock := clockid.NewMock(time.Now())
	ids := clockid.NewIdentifiers()
	reg := NewRegistry()

	attempts := 0
	d := Descriptor{
		ID: "p", Timeout: time.Second,
		Retry:   RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Breaker: BreakerConfig{FailureThreshold: 10, CoolDown: time.Minute, HalfOpenProbes: 1},
		Validate: func(v []byte) error {
			return errors.New("out of range")
		},
		Fetcher: &fakeFetcher{fn: func(ctx context.Context, p map[string]string) ([]byte, string, error) {
			attempts++
			return []byte("-1"), "", nil
		}},
	}
	chain := NewChain("kind", []Descriptor{d}, clock, ids, reg)
	_, err := chain.Run(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, 1, attempts, "a validation failure must not be retried")
}
