package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"slotworker/internal/config"
	"slotworker/internal/domain"
	"slotworker/internal/infra/redisq"
)

func testWorker(t *testing.T) *redisq.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redisq.New(config.Redis{
		Addr:          mr.Addr(),
		StreamKey:     "tasks",
		Group:         "workers",
		ScheduledZSet: "scheduled",
		DLQStreamKey:  "dlq",
		KeyPrefix:     "w",
	})
	t.Cleanup(func() { _ = cli.Close() })
	require.NoError(t, cli.Init(context.Background()))
	return cli
}

func workerConfig(backend string) config.Worker {
	return config.Worker{
		Slots:              2,
		CheckpointCapacity: 16,
		DurableStore:       true,
		BaseBackoff:        time.Millisecond,
		RateLimitBackend:   backend,
	}
}

func TestDemoTasks(t *testing.T) {
	t.Parallel()

	reg, err := DemoTasks()
	require.NoError(t, err)
	require.Equal(t, []string{"demo.approval", "demo.echo", "demo.fail", "demo.sleep", "demo.sync"}, reg.Names())
}

func TestNewRuntime_RunsDemoTasks(t *testing.T) {
	t.Parallel()

	for _, backend := range []string{"local", "redis"} {
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			cli := testWorker(t)
			reg, err := DemoTasks()
			require.NoError(t, err)
			rt, err := NewRuntime(cli, workerConfig(backend), reg)
			require.NoError(t, err)

			ctx := context.Background()
			out := rt.Offer(ctx, domain.TaskInstance{RunID: "e", TaskName: "demo.echo", Input: json.RawMessage(`{"x":1}`)})
			require.Equal(t, domain.OutcomeCompleted, out.Status)
			require.JSONEq(t, `{"x":1}`, string(out.Result))

			out = rt.Offer(ctx, domain.TaskInstance{RunID: "f", TaskName: "demo.fail", Input: json.RawMessage(`{}`)})
			require.Equal(t, domain.OutcomeCompleted, out.Status)
			require.Equal(t, 3, out.Attempts)

			out = rt.Offer(ctx, domain.TaskInstance{RunID: "s", TaskName: "demo.sleep", Input: json.RawMessage(`{"seconds":0.01}`)})
			require.Equal(t, domain.OutcomeCompleted, out.Status)

			out = rt.Offer(ctx, domain.TaskInstance{RunID: "bad", TaskName: "demo.sleep", Input: json.RawMessage(`[]`)})
			require.Equal(t, domain.OutcomeFailed, out.Status)
			require.Equal(t, domain.ReasonInvalidInput, out.Err.Reason)

			require.Equal(t, 2, rt.Stats().Slots.Capacity)
		})
	}
}
