package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
	"slotworker/internal/ratelimit"
)

var _ ports.RateLimiter = (*RateLimiter)(nil)

// KEYS are the counters, ARGV holds units, limit and window in ms for each key.
// Returns {granted, index of the key that denied, retry after in ms}.
var acquireScript = redis.NewScript(`
local wait, denied = 0, 0
for i, key in ipairs(KEYS) do
  local base = (i - 1) * 3
  local units = tonumber(ARGV[base + 1])
  local limit = tonumber(ARGV[base + 2])
  local used = tonumber(redis.call('GET', key) or '0')
  if used + units > limit then
    local ttl = redis.call('PTTL', key)
    if ttl < 0 then ttl = tonumber(ARGV[base + 3]) end
    if ttl > wait then
      wait, denied = ttl, i
    end
  end
end
if denied > 0 then
  return {0, denied, wait}
end
for i, key in ipairs(KEYS) do
  local base = (i - 1) * 3
  redis.call('INCRBY', key, ARGV[base + 1])
  if redis.call('PTTL', key) < 0 then
    redis.call('PEXPIRE', key, ARGV[base + 3])
  end
end
return {1, 0, 0}
`)

// RateLimiter shares fixed-window quotas between every worker using the same redis.
type RateLimiter struct {
	C *Client
}

func NewRateLimiter(c *Client) *RateLimiter { return &RateLimiter{C: c} }

func (r *RateLimiter) TryAcquire(ctx context.Context, acqs []domain.RateLimitAcquisition) (domain.RateLimitDecision, error) {
	merged, err := mergeAcquisitions(acqs)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	if len(merged) == 0 {
		return domain.RateLimitDecision{Granted: true}, nil
	}

	keys := make([]string, 0, len(merged))
	args := make([]any, 0, 3*len(merged))
	for _, a := range merged {
		keys = append(keys, r.C.key("ratelimit", a.Key))
		args = append(args, a.Units, a.Limit, a.Window.Milliseconds())
	}

	res, err := acquireScript.Run(ctx, r.C.Rdb, keys, args...).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return domain.RateLimitDecision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return domain.RateLimitDecision{Granted: true}, nil
	}
	return domain.RateLimitDecision{
		Key:        merged[res[1]-1].Key,
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// mergeAcquisitions validates acqs and folds repeated keys into one request so the
// script sees each counter once.
func mergeAcquisitions(acqs []domain.RateLimitAcquisition) ([]domain.RateLimitAcquisition, error) {
	merged, err := ratelimit.Merge(acqs)
	if err != nil {
		return nil, err
	}
	for i := range merged {
		if merged[i].Window < time.Millisecond {
			merged[i].Window = time.Millisecond
		}
	}
	return merged, nil
}
