package ports

import (
	"context"
	"slotworker/internal/domain"
	"time"
)

// RateLimiter admits or denies a set of acquisitions as one unit. It never blocks
// waiting for quota.
type RateLimiter interface {
	TryAcquire(ctx context.Context, acqs []domain.RateLimitAcquisition) (domain.RateLimitDecision, error)
}

// CheckpointStore persists durable wait results and wait registrations per run.
type CheckpointStore interface {
	Save(ctx context.Context, runID string, index int, result []byte) error
	Load(ctx context.Context, runID string) (map[int][]byte, error)
	Delete(ctx context.Context, runID string) error

	// Register stores the wake-up deadline of a timer wait; it keeps an existing one.
	Register(ctx context.Context, runID string, index int, wakeAt time.Time) (time.Time, error)
}
