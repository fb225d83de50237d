package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
)

var _ ports.Queue = (*Client)(nil)

const pendingBatch = 128

func (c *Client) Enqueue(ctx context.Context, t domain.TaskInstance) (string, error) {
	if t.RunID == "" {
		t.RunID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = domain.StatusQueued

	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	id, err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]interface{}{"task": b},
	}).Result()
	if err != nil {
		return "", err
	}
	if err := c.SaveState(ctx, t); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueDelayed parks t in the scheduled set; the scheduler streams it once runAt passes.
func (c *Client) EnqueueDelayed(ctx context.Context, t domain.TaskInstance, runAt time.Time) (string, error) {
	if t.RunID == "" {
		t.RunID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = domain.StatusDelayed
	t.NextRunAt = runAt
	if err := c.SaveState(ctx, t); err != nil {
		return "", err
	}
	score := float64(runAt.UnixMilli())
	if err := c.Rdb.ZAdd(ctx, c.Cfg.ScheduledZSet, redis.Z{Score: score, Member: t.RunID}).Err(); err != nil {
		return "", err
	}
	return t.RunID, nil
}

func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.TaskInstance, string, error) {
	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, "", nil
	}

	msg := res[0].Messages[0]
	t, err := decodeTask(msg.Values["task"])
	if err != nil {
		return nil, msg.ID, err
	}
	return t, msg.ID, nil
}

func (c *Client) ClaimPending(ctx context.Context, consumer string) ([]ports.Delivery, error) {
	var out []ports.Delivery
	start := "0"
	for {
		res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.Cfg.Group,
			Consumer: consumer,
			Streams:  []string{c.Cfg.StreamKey, start},
			Count:    pendingBatch,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return out, nil
			}
			return out, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			return out, nil
		}

		for _, msg := range res[0].Messages {
			start = msg.ID
			t, err := decodeTask(msg.Values["task"])
			if err != nil {
				// Trimmed or corrupt entry: nothing left to run.
				log.Ctx(ctx).Warn().Err(err).Str("stream_id", msg.ID).Msg("dropping undecodable pending entry")
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, ports.Delivery{StreamID: msg.ID, Task: *t})
		}
		if len(res[0].Messages) < pendingBatch {
			return out, nil
		}
	}
}

func (c *Client) Ack(ctx context.Context, streamID string) error {
	return c.Rdb.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID).Err()
}

func (c *Client) ToDLQ(ctx context.Context, streamID string, t domain.TaskInstance, reason string) error {
	t.Status = domain.StatusFailed
	b, err := json.Marshal(struct {
		domain.TaskInstance
		Reason string `json:"reason"`
	}{t, reason})
	if err != nil {
		return err
	}
	if err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.DLQStreamKey,
		Values: map[string]interface{}{"task": b},
	}).Err(); err != nil {
		return err
	}

	if err := c.Ack(ctx, streamID); err != nil {
		return err
	}
	return c.SaveState(ctx, t)
}

// SaveState keeps the searchable fields next to the full instance.
func (c *Client) SaveState(ctx context.Context, t domain.TaskInstance) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.Rdb.HSet(ctx, c.taskKey(t.RunID), map[string]any{
		"status":      string(t.Status),
		"attempt":     t.Attempt,
		"task_name":   t.TaskName,
		"next_run_at": t.NextRunAt.UnixMilli(),
		"payload":     b,
	}).Err()
}

// Get returns nil, nil when the run is unknown.
func (c *Client) Get(ctx context.Context, id string) (*domain.TaskInstance, error) {
	h, err := c.Rdb.HGetAll(ctx, c.taskKey(id)).Result()
	if err != nil || len(h) == 0 {
		return nil, err
	}

	var t domain.TaskInstance
	if err := json.Unmarshal([]byte(h["payload"]), &t); err != nil {
		return nil, fmt.Errorf("corrupt task state %s: %w", id, err)
	}
	t.Status = domain.TaskStatus(h["status"])
	if a, err := strconv.Atoi(h["attempt"]); err == nil {
		t.Attempt = a
	}
	return &t, nil
}

func decodeTask(raw any) (*domain.TaskInstance, error) {
	var t domain.TaskInstance
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, err
		}
	case []byte:
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected task type: %T", v)
	}
	return &t, nil
}
