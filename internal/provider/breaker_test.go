package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	mock := clockid.NewMock(time.Now())
	b := NewBreaker("p1", BreakerConfig{FailureThreshold: 3, CoolDown: time.Second, HalfOpenProbes: 1}, mock)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	require.Equal(t, "OPEN", b.Snapshot().State)
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerHalfOpenRecoversToClosed(t *testing.T) {
	mock := clockid.NewMock(time.Now())
	b := NewBreaker("p1", BreakerConfig{FailureThreshold: 1, CoolDown: 50 * time.Millisecond, HalfOpenProbes: 1}, mock)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	mock.Advance(60 * time.Millisecond)
	require.NoError(t, b.Allow(), "cool-down elapsed, should admit a half-open probe")
	b.RecordSuccess()

	require.NoError(t, b.Allow())
	require.Equal(t, "CLOSED", b.Snapshot().State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	mock := clockid.NewMock(time.Now())
	b := NewBreaker("p1", BreakerConfig{FailureThreshold: 1, CoolDown: 10 * time.Millisecond, HalfOpenProbes: 1}, mock)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	mock.Advance(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	require.Equal(t, "OPEN", b.Snapshot().State)
}
