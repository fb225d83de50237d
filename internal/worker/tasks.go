package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"slotworker/internal/domain"
	"slotworker/internal/task"
)

// DemoTasks registers the tasks the stock worker binary can run.
func DemoTasks() (*task.Registry, error) {
	reg := task.NewRegistry()
	err := reg.Register(
		task.New("demo.echo", echo),

		// Fails the first two attempts of every offer.
		task.New("demo.fail", func(tc task.Context, input json.RawMessage) (any, error) {
			if tc.Attempt() < 2 {
				return nil, errors.New("simulated failure")
			}
			return echo(tc, input)
		}, task.WithRetries(3), task.WithBackoff(2, 5*time.Second)),

		task.New("demo.sleep", func(tc task.Context, input json.RawMessage) (any, error) {
			var in struct {
				Seconds float64 `json:"seconds"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, domain.NonRetryable(err)
			}
			return tc.Sleep(time.Duration(in.Seconds * float64(time.Second)))
		}, task.WithValidator(requireObject)),

		// Waits for POST /events/approval:<run id>.
		task.New("demo.approval", func(tc task.Context, _ json.RawMessage) (any, error) {
			tc.ReleaseSlot()
			return tc.WaitForEvent("approval:" + tc.RunID())
		}, task.WithTimeout(24*time.Hour)),

		// One sync per account at a time, newest wins.
		task.New("demo.sync", func(tc task.Context, input json.RawMessage) (any, error) {
			select {
			case <-time.After(2 * time.Second):
			case <-tc.Done():
				return nil, tc.Err()
			}
			return echo(tc, input)
		},
			task.WithValidator(requireObject),
			task.WithConcurrency(task.Concurrency{
				Expression: "input.account",
				MaxRuns:    1,
				Strategy:   domain.StrategyCancelInProgress,
			}),
			task.WithRateLimit(task.RateLimit{
				KeyExpression: `"vendor-" + ("tenant" in additional_metadata ? additional_metadata.tenant : "shared")`,
				Units:         1,
				Limit:         10,
				Window:        time.Minute,
			}),
		),
	)
	return reg, err
}

func echo(tc task.Context, input json.RawMessage) (any, error) {
	log.Ctx(tc).Info().Int("attempt", tc.Attempt()).Msg("processed task")
	return input, nil
}

func requireObject(input json.RawMessage) error {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return fmt.Errorf("input must be a JSON object: %w", err)
	}
	return nil
}
