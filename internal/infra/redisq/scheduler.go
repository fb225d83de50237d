package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
)

var _ ports.Scheduler = (*Scheduler)(nil)

type Scheduler struct {
	C        *Client
	Interval time.Duration
}

func NewScheduler(c *Client, interval time.Duration) *Scheduler {
	return &Scheduler{C: c, Interval: interval}
}

// Run moves due tasks every Interval until ctx ends. Transient redis errors are
// logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if n, err := s.MoveDue(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to move due tasks")
		} else if n > 0 {
			log.Ctx(ctx).Debug().Int("count", n).Msg("moved due tasks to stream")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MoveDue streams every scheduled task whose time has come and returns how many it moved.
func (s *Scheduler) MoveDue(ctx context.Context) (int, error) {
	ids, err := s.C.Rdb.ZRangeByScore(ctx, s.C.Cfg.ScheduledZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmtFloat(nowMs()),
		Count: 128,
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		t, err := s.C.Get(ctx, id)
		if err != nil {
			return moved, err
		}
		if t == nil {
			_ = s.C.Rdb.ZRem(ctx, s.C.Cfg.ScheduledZSet, id).Err()
			continue
		}

		// Only one scheduler wins the member; the others skip it.
		removed, err := s.C.Rdb.ZRem(ctx, s.C.Cfg.ScheduledZSet, id).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}

		t.Status = domain.StatusQueued
		b, err := json.Marshal(t)
		if err != nil {
			return moved, err
		}
		if err := s.C.Rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: s.C.Cfg.StreamKey,
			Values: map[string]interface{}{"task": b},
		}).Err(); err != nil {
			return moved, err
		}
		if err := s.C.SaveState(ctx, *t); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
