package ports

import (
	"context"
	"slotworker/internal/domain"
	"time"
)

// Delivery is a task handed out by the queue together with its stream entry id.
type Delivery struct {
	StreamID string
	Task     domain.TaskInstance
}

type Queue interface {
	Enqueue(ctx context.Context, t domain.TaskInstance) (string, error)
	EnqueueDelayed(ctx context.Context, t domain.TaskInstance, runAt time.Time) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration) (*domain.TaskInstance, string /*streamID*/, error)
	// ClaimPending returns entries delivered to consumer but never acked, e.g. by a
	// previous process that died mid-run.
	ClaimPending(ctx context.Context, consumer string) ([]Delivery, error)
	Ack(ctx context.Context, streamID string) error
	ToDLQ(ctx context.Context, streamID string, t domain.TaskInstance, reason string) error
	SaveState(ctx context.Context, t domain.TaskInstance) error
	Get(ctx context.Context, id string) (*domain.TaskInstance, error)
}

type Scheduler interface {
	// moves due tasks from ZSET into the stream
	Run(ctx context.Context) error
}
