package redisq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"slotworker/internal/ports"
)

var _ ports.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore keeps one hash of wait results per run and one hash of timer
// deadlines next to it.
type CheckpointStore struct {
	C *Client
	// TTL bounds how long an abandoned run's checkpoints linger; zero keeps them.
	TTL time.Duration
}

func NewCheckpointStore(c *Client, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{C: c, TTL: ttl}
}

func (s *CheckpointStore) resultsKey(runID string) string { return s.C.key("checkpoint", runID) }
func (s *CheckpointStore) waitsKey(runID string) string   { return s.C.key("checkpoint", runID, "waits") }

func (s *CheckpointStore) Save(ctx context.Context, runID string, index int, result []byte) error {
	key := s.resultsKey(runID)
	pipe := s.C.Rdb.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(index), result)
	if s.TTL > 0 {
		pipe.Expire(ctx, key, s.TTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *CheckpointStore) Load(ctx context.Context, runID string) (map[int][]byte, error) {
	h, err := s.C.Rdb.HGetAll(ctx, s.resultsKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int][]byte, len(h))
	for field, v := range h {
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("bad checkpoint index %q for %s", field, runID)
		}
		out[idx] = []byte(v)
	}
	return out, nil
}

func (s *CheckpointStore) Delete(ctx context.Context, runID string) error {
	return s.C.Rdb.Del(ctx, s.resultsKey(runID), s.waitsKey(runID)).Err()
}

// Register stores wakeAt unless the wait already has a deadline, and returns the one in effect.
func (s *CheckpointStore) Register(ctx context.Context, runID string, index int, wakeAt time.Time) (time.Time, error) {
	key, field := s.waitsKey(runID), strconv.Itoa(index)

	set, err := s.C.Rdb.HSetNX(ctx, key, field, wakeAt.UnixMilli()).Result()
	if err != nil {
		return time.Time{}, err
	}
	if s.TTL > 0 {
		_ = s.C.Rdb.Expire(ctx, key, s.TTL).Err()
	}
	if set {
		return wakeAt, nil
	}

	ms, err := s.C.Rdb.HGet(ctx, key, field).Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
