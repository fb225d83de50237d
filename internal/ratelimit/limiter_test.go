package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"slotworker/internal/domain"
)

func acq(key string, units, limit int, window time.Duration) []domain.RateLimitAcquisition {
	return []domain.RateLimitAcquisition{{Key: key, Units: units, Limit: limit, Window: window}}
}

func TestTryAcquire_WindowExhaustionAndReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	l := NewWithClock(clk)

	for i := 0; i < 2; i++ {
		d, err := l.TryAcquire(ctx, acq("api", 1, 2, time.Second))
		require.NoError(t, err)
		require.True(t, d.Granted, "acquire %d", i)
	}

	clk.Step(300 * time.Millisecond)
	d, err := l.TryAcquire(ctx, acq("api", 1, 2, time.Second))
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, "api", d.Key)
	require.Equal(t, 700*time.Millisecond, d.RetryAfter)

	clk.Step(700 * time.Millisecond)
	d, err = l.TryAcquire(ctx, acq("api", 1, 2, time.Second))
	require.NoError(t, err)
	require.True(t, d.Granted, "new window should admit")

	consumed, resetIn, ok := l.Snapshot("api")
	require.True(t, ok)
	require.Equal(t, 1, consumed)
	require.Equal(t, time.Second, resetIn)
}

func TestTryAcquire_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewWithClock(testingclock.NewFakeClock(time.Now()))

	d, _ := l.TryAcquire(ctx, acq("tenant-a", 1, 1, time.Minute))
	require.True(t, d.Granted)
	d, _ = l.TryAcquire(ctx, acq("tenant-b", 1, 1, time.Minute))
	require.True(t, d.Granted)
	d, _ = l.TryAcquire(ctx, acq("tenant-a", 1, 1, time.Minute))
	require.False(t, d.Granted)
}

func TestTryAcquire_AllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewWithClock(testingclock.NewFakeClock(time.Now()))

	d, _ := l.TryAcquire(ctx, acq("narrow", 1, 1, time.Minute))
	require.True(t, d.Granted)

	d, err := l.TryAcquire(ctx, []domain.RateLimitAcquisition{
		{Key: "wide", Units: 1, Limit: 10, Window: time.Minute},
		{Key: "narrow", Units: 1, Limit: 1, Window: time.Minute},
	})
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, "narrow", d.Key)

	consumed, _, ok := l.Snapshot("wide")
	require.True(t, ok)
	require.Zero(t, consumed, "denied acquisition must not consume other buckets")
}

func TestTryAcquire_SameKeyTwiceInOneOffer(t *testing.T) {
	t.Parallel()

	l := NewWithClock(testingclock.NewFakeClock(time.Now()))
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, []domain.RateLimitAcquisition{
		{Key: "k", Units: 2, Limit: 3, Window: time.Minute},
		{Key: "k", Units: 2, Limit: 3, Window: time.Minute},
	})
	require.ErrorIs(t, err, domain.ErrUnitsExceedLimit, "the summed units can never fit the window")

	d, err := l.TryAcquire(ctx, []domain.RateLimitAcquisition{
		{Key: "k", Units: 1, Limit: 3, Window: time.Minute},
		{Key: "k", Units: 2, Limit: 3, Window: time.Minute},
	})
	require.NoError(t, err)
	require.True(t, d.Granted)

	consumed, _, ok := l.Snapshot("k")
	require.True(t, ok)
	require.Equal(t, 3, consumed)
}

func TestTryAcquire_InvalidAcquisitions(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, acq("k", 5, 2, time.Second))
	require.ErrorIs(t, err, domain.ErrUnitsExceedLimit)

	_, err = l.TryAcquire(ctx, acq("", 1, 2, time.Second))
	require.Error(t, err)

	_, err = l.TryAcquire(ctx, acq("k", 1, 2, 0))
	require.Error(t, err)
}

func TestTryAcquire_ConcurrentNeverOverAdmits(t *testing.T) {
	t.Parallel()

	const limit = 25
	l := NewWithClock(testingclock.NewFakeClock(time.Now()))

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.TryAcquire(context.Background(), acq("shared", 1, limit, time.Hour))
			if err == nil && d.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, limit, granted.Load())
}
