package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestCoalesce10ConcurrentFetches is scenario S1 from the spec: a single
// slow provider call must be invoked exactly once for 10 concurrent callers,
// and every caller must observe the same value within the shared deadline.
func TestCoalesce10ConcurrentFetches(t *testing.T) {
	c := New(clockid.Real, time.Minute)
	defer c.Close()

	var invocations int32
	compute := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		time.Sleep(50 * time.Millisecond)
		return 62000, nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 10)
	errs := make([]error, 10)
	start := time.Now()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Do(context.Background(), "btc-price", 500*time.Millisecond, compute)
			results[i] = v
			errs[i] = err
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	require.Equal(t, int32(1), atomic.LoadInt32(&invocations), "compute must run exactly once")
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, 62000, results[i])
	}
	require.Less(t, elapsed, 500*time.Millisecond)
}

// TestPrimaryErrorPropagation is scenario S2: every waiter must observe the
// identical error the primary returned.
func TestPrimaryErrorPropagation(t *testing.T) {
	c := New(clockid.Real, time.Minute)
	defer c.Close()

	boom := errors.New("boom")
	var invocations int32
	compute := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		time.Sleep(30 * time.Millisecond)
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Do(context.Background(), "kind", 500*time.Millisecond, compute)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	for _, err := range errs {
		require.ErrorIs(t, err, boom)
	}
}

func TestPrimaryPanicBecomesErrPrimaryFailed(t *testing.T) {
	c := New(clockid.Real, time.Minute)
	defer c.Close()

	compute := func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	}

	_, err := c.Do(context.Background(), "kind", time.Second, compute)
	require.ErrorIs(t, err, ErrPrimaryFailed)
}

func TestWaiterTimeoutDoesNotCancelPrimary(t *testing.T) {
	c := New(clockid.Real, time.Minute)
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var primaryRan int32
	compute := func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		atomic.AddInt32(&primaryRan, 1)
		return "done", nil
	}

	go func() {
		_, _ = c.Do(context.Background(), "kind", time.Second, compute)
	}()
	<-started

	_, err := c.Do(context.Background(), "kind", 20*time.Millisecond, compute)
	require.ErrorIs(t, err, ErrCoalesceTimeout)

	close(release)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&primaryRan), "primary must keep running after a waiter times out")
}

func TestWatchdogRemovesLeakedSlot(t *testing.T) {
	mock := clockid.NewMock(time.Now())
	c := New(mock, 10*time.Millisecond)
	c.StartWatchdog(5 * time.Millisecond)
	defer c.Close()

	block := make(chan struct{})
	go func() {
		_, _ = c.Do(context.Background(), "kind", time.Second, func(ctx context.Context) (interface{}, error) {
			<-block
			return nil, nil
		})
	}()

	require.Eventually(t, func() bool { return c.Inflight("kind") }, time.Second, time.Millisecond)

	mock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool { return !c.Inflight("kind") }, time.Second, time.Millisecond)
	close(block)
}
