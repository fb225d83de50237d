package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
)

var ErrNoTaskName = errors.New("task name is required")

type Enqueuer struct {
	Q ports.Queue
}

// Now makes t available to workers immediately and returns its run id.
func (e Enqueuer) Now(ctx context.Context, t domain.TaskInstance) (string, error) {
	if t.TaskName == "" {
		return "", ErrNoTaskName
	}
	if t.RunID == "" {
		t.RunID = uuid.NewString()
	}
	t.Attempt = 0
	if _, err := e.Q.Enqueue(ctx, t); err != nil {
		return "", err
	}
	return t.RunID, nil
}

// At schedules t for runAt and returns its run id.
func (e Enqueuer) At(ctx context.Context, t domain.TaskInstance, runAt time.Time) (string, error) {
	if t.TaskName == "" {
		return "", ErrNoTaskName
	}
	t.Attempt = 0
	return e.Q.EnqueueDelayed(ctx, t, runAt)
}
