package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"slotworker/internal/domain"
)

func admitted(t *Ticket) bool {
	select {
	case <-t.admitted:
		return true
	default:
		return false
	}
}

func TestFIFO_SecondWaitsForRelease(t *testing.T) {
	t.Parallel()

	l := NewLimiter()
	first, d, err := l.Admit(Request{RunID: "r1", Key: "user-1", MaxRuns: 1})
	require.NoError(t, err)
	require.Equal(t, RunNow, d)

	second, d, err := l.Admit(Request{RunID: "r2", Key: "user-1", MaxRuns: 1})
	require.NoError(t, err)
	require.Equal(t, Queued, d)
	require.False(t, admitted(second))

	done := make(chan error, 1)
	go func() { done <- second.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("second run admitted before the first released")
	case <-time.After(20 * time.Millisecond):
	}

	first.Release()
	require.NoError(t, <-done)
	second.Release()
	require.Empty(t, l.Stats(), "group must be destroyed once empty")
}

func TestFIFO_ArrivalOrder(t *testing.T) {
	t.Parallel()

	l := NewLimiter()
	head, _, err := l.Admit(Request{RunID: "head", Key: "k", MaxRuns: 1})
	require.NoError(t, err)

	var queued []*Ticket
	for _, id := range []string{"a", "b", "c"} {
		tk, d, err := l.Admit(Request{RunID: id, Key: "k", MaxRuns: 1})
		require.NoError(t, err)
		require.Equal(t, Queued, d)
		queued = append(queued, tk)
	}

	prev := head
	for _, tk := range queued {
		prev.Release()
		require.True(t, admitted(tk), "%s should be next", tk.RunID())
		prev = tk
	}
	prev.Release()
}

func TestFIFO_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := NewLimiter()
	_, d, err := l.Admit(Request{RunID: "r1", Key: "a", MaxRuns: 1})
	require.NoError(t, err)
	require.Equal(t, RunNow, d)
	_, d, err = l.Admit(Request{RunID: "r2", Key: "b", MaxRuns: 1})
	require.NoError(t, err)
	require.Equal(t, RunNow, d)
}

func TestCancelNewest_RejectsIncoming(t *testing.T) {
	t.Parallel()

	l := NewLimiter()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	first, d, err := l.Admit(Request{RunID: "r1", Key: "k", MaxRuns: 1, Strategy: domain.StrategyCancelNewest, Cancel: cancel})
	require.NoError(t, err)
	require.Equal(t, RunNow, d)

	second, d, err := l.Admit(Request{RunID: "r2", Key: "k", MaxRuns: 1, Strategy: domain.StrategyCancelNewest})
	require.ErrorIs(t, err, domain.ErrSuperseded)
	require.Equal(t, Rejected, d)
	require.Nil(t, second)

	require.NoError(t, ctx.Err(), "first run must continue unaffected")
	require.Equal(t, []GroupStats{{Key: "k", MaxRuns: 1, Running: 1}}, l.Stats())
	first.Release()
}

func TestCancelInProgress_CancelsOldest(t *testing.T) {
	t.Parallel()

	l := NewLimiter()
	oldCtx, cancelOld := context.WithCancelCause(context.Background())
	defer cancelOld(nil)
	midCtx, cancelMid := context.WithCancelCause(context.Background())
	defer cancelMid(nil)

	old, _, err := l.Admit(Request{RunID: "old", Key: "k", MaxRuns: 2, Strategy: domain.StrategyCancelInProgress, Cancel: cancelOld})
	require.NoError(t, err)
	_, _, err = l.Admit(Request{RunID: "mid", Key: "k", MaxRuns: 2, Strategy: domain.StrategyCancelInProgress, Cancel: cancelMid})
	require.NoError(t, err)

	newest, d, err := l.Admit(Request{RunID: "new", Key: "k", MaxRuns: 2, Strategy: domain.StrategyCancelInProgress})
	require.NoError(t, err)
	require.Equal(t, RunNow, d)
	require.True(t, admitted(newest))

	require.ErrorIs(t, context.Cause(oldCtx), domain.ErrSuperseded)
	require.NoError(t, midCtx.Err())

	// The displaced run releasing later must not free capacity twice.
	old.Release()
	require.Equal(t, []GroupStats{{Key: "k", MaxRuns: 2, Running: 2}}, l.Stats())
}

func TestGroupRoundRobin_RotatesSubKeys(t *testing.T) {
	t.Parallel()

	l := NewLimiter()
	req := func(run, sub string) Request {
		return Request{RunID: run, Key: "k", SubKey: sub, MaxRuns: 1, Strategy: domain.StrategyGroupRoundRobin}
	}

	head, d, err := l.Admit(req("a1", "a"))
	require.NoError(t, err)
	require.Equal(t, RunNow, d)

	byRun := map[string]*Ticket{}
	for _, r := range []struct{ run, sub string }{{"a2", "a"}, {"a3", "a"}, {"a4", "a"}, {"b1", "b"}, {"c1", "c"}} {
		tk, d, err := l.Admit(req(r.run, r.sub))
		require.NoError(t, err)
		require.Equal(t, Queued, d)
		byRun[r.run] = tk
	}

	var order []string
	prev := head
	for len(order) < len(byRun) {
		prev.Release()
		var next *Ticket
		for _, tk := range byRun {
			if admitted(tk) && tk.state == stateRunning {
				next = tk
			}
		}
		require.NotNil(t, next)
		order = append(order, next.RunID())
		prev = next
	}
	prev.Release()

	// Sub-key "a" had three waiters ahead of b and c but only gets every third turn.
	require.Equal(t, []string{"a2", "b1", "c1", "a3", "a4"}, order)
	require.Empty(t, l.Stats())
}

func TestWait_ContextCancelledLeavesQueue(t *testing.T) {
	t.Parallel()

	l := NewLimiter()
	head, _, err := l.Admit(Request{RunID: "head", Key: "k", MaxRuns: 1})
	require.NoError(t, err)
	waiter, _, err := l.Admit(Request{RunID: "w", Key: "k", MaxRuns: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, waiter.Wait(ctx), context.Canceled)
	require.Equal(t, []GroupStats{{Key: "k", MaxRuns: 1, Running: 1}}, l.Stats())

	head.Release()
	require.Empty(t, l.Stats())
}

func TestAdmit_EmptyKey(t *testing.T) {
	t.Parallel()

	_, d, err := NewLimiter().Admit(Request{RunID: "r"})
	require.Error(t, err)
	require.Equal(t, Rejected, d)
}
