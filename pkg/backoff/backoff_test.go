package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayFor_FirstAttempt(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 100 * time.Millisecond, Factor: 2.0, Max: time.Minute}
	for i := 0; i < 1000; i++ {
		d := p.DelayFor(0)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 200*time.Millisecond)
	}
}

func TestDelayFor_NeverExceedsMax(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 100 * time.Millisecond, Factor: 2.0, Max: 5 * time.Second}
	for attempt := 0; attempt < 200; attempt++ {
		require.LessOrEqual(t, p.DelayFor(attempt), 5*time.Second, "attempt %d", attempt)
	}
}

func TestDelayFor_ConvergesToMax(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 100 * time.Millisecond, Factor: 2.0, Max: 60 * time.Second}
	for _, attempt := range []int{20, 64, 1024} {
		d := p.DelayFor(attempt)
		require.InDelta(t, float64(p.Max), float64(d), float64(p.Base), "attempt %d", attempt)
	}
}

func TestDelayFor_StrictlyIncreasingBelowCap(t *testing.T) {
	t.Parallel()

	// Jitter is below Base, so consecutive delays cannot overlap while uncapped.
	p := Policy{Base: 10 * time.Millisecond, Factor: 2.0, Max: time.Hour}
	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.DelayFor(attempt)
		require.Greater(t, d, prev)
		prev = d
	}
}

func TestDelayFor_Defaults(t *testing.T) {
	t.Parallel()

	d := Policy{}.DelayFor(-3)
	require.GreaterOrEqual(t, d, DefaultBase)
	require.Less(t, d, 2*DefaultBase)
}

func TestExponentialJitter(t *testing.T) {
	t.Parallel()

	d := ExponentialJitter(500*time.Millisecond, 30*time.Second, 1)
	require.GreaterOrEqual(t, d, 500*time.Millisecond)
	require.Less(t, d, time.Second)
	require.Equal(t, 30*time.Second, ExponentialJitter(500*time.Millisecond, 30*time.Second, 40))
}
