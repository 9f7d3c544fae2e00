package provider

import (
	"context"
	"errors"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
)

// RetryPolicy is §3's ProviderDescriptor.retry_policy.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// CallError carries whether an error is retryable, per §4.2 #2: network
// timeouts, 5xx, 429 and connection resets are retryable; 4xx (except 429),
// malformed payload, and auth failure are not.
type CallError struct {
	Err       error
	Retryable bool
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable CallError.
func Retryable(err error) error { return &CallError{Err: err, Retryable: true} }

// NonRetryable wraps err as a non-retryable CallError.
func NonRetryable(err error) error { return &CallError{Err: err, Retryable: false} }

func isRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	// An error not explicitly classified is treated conservatively as
	// non-retryable, matching §7's "Validation" default.
	return false
}

// delayFor computes delay_n per §4.2: min(max_delay, initial*multiplier^(n-1)) * uniform(0.5,1.5).
func delayFor(policy RetryPolicy, attempt int, ids *clockid.Identifiers) time.Duration {
	base := float64(policy.InitialDelay)
	for i := 1; i < attempt; i++ {
		base *= policy.Multiplier
		if time.Duration(base) > policy.MaxDelay {
			base = float64(policy.MaxDelay)
			break
		}
	}
	d := time.Duration(base)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return ids.Jitter(d, 0.5, 1.5)
}

// callWithRetry executes fn up to policy.MaxAttempts times, honoring
// perAttemptTimeout and sleeping delayFor between attempts, stopping early
// on a non-retryable error or on breaker-open. The caller's ctx deadline
// bounds the *total* wall clock across all attempts (§4.2 #1).
func callWithRetry(ctx context.Context, clock clockid.Clock, ids *clockid.Identifiers, policy RetryPolicy, perAttemptTimeout time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		d := delayFor(policy, attempt, ids)
		timer := clock.NewTimer(d)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
