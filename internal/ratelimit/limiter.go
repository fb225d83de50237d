// Package ratelimit admits task executions against fixed-window quotas held in
// process memory.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"slotworker/internal/domain"
	"slotworker/internal/ports"
)

var _ ports.RateLimiter = (*Limiter)(nil)

// bucket is one fixed window. consumed drops to zero at resetAt.
type bucket struct {
	consumed int
	capacity int
	window   time.Duration
	resetAt  time.Time
}

// Limiter holds one bucket per key. All buckets share a single lock so a multi-key
// acquisition is all-or-nothing.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   clock.PassiveClock
}

func New() *Limiter {
	return NewWithClock(clock.RealClock{})
}

func NewWithClock(c clock.PassiveClock) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), clock: c}
}

// TryAcquire never blocks. On denial nothing is consumed from any bucket.
func (l *Limiter) TryAcquire(_ context.Context, acqs []domain.RateLimitAcquisition) (domain.RateLimitDecision, error) {
	merged, err := Merge(acqs)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	denied := domain.RateLimitDecision{}
	for _, a := range merged {
		b := l.bucketFor(a, now)
		if b.consumed+a.Units > b.capacity {
			if retry := b.resetAt.Sub(now); retry > denied.RetryAfter {
				denied = domain.RateLimitDecision{Key: a.Key, RetryAfter: retry}
			}
		}
	}
	if denied.Key != "" {
		return denied, nil
	}

	for _, a := range merged {
		l.buckets[a.Key].consumed += a.Units
	}
	return domain.RateLimitDecision{Granted: true}, nil
}

// bucketFor returns the live bucket for a, rolling its window if it has passed.
// A changed limit or window takes effect immediately.
func (l *Limiter) bucketFor(a domain.RateLimitAcquisition, now time.Time) *bucket {
	b, ok := l.buckets[a.Key]
	if !ok {
		b = &bucket{}
		l.buckets[a.Key] = b
	}
	b.capacity = a.Limit
	b.window = a.Window
	if !now.Before(b.resetAt) {
		b.consumed = 0
		b.resetAt = now.Add(a.Window)
	}
	return b
}

// Snapshot reports the consumed units and time to reset for key.
func (l *Limiter) Snapshot(key string) (consumed int, resetIn time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return 0, 0, false
	}
	now := l.clock.Now()
	if !now.Before(b.resetAt) {
		return 0, 0, true
	}
	return b.consumed, b.resetAt.Sub(now), true
}

// Validate rejects acquisitions that could never be granted.
func Validate(a domain.RateLimitAcquisition) error {
	switch {
	case a.Key == "":
		return fmt.Errorf("rate limit key is empty")
	case a.Window <= 0:
		return fmt.Errorf("rate limit %q: window must be positive", a.Key)
	case a.Units <= 0:
		return fmt.Errorf("rate limit %q: units must be positive", a.Key)
	case a.Units > a.Limit:
		return fmt.Errorf("rate limit %q: %d > %d: %w", a.Key, a.Units, a.Limit, domain.ErrUnitsExceedLimit)
	}
	return nil
}

// Merge validates acqs and folds repeated keys into one acquisition whose units are
// the sum. The last occurrence of a key sets its limit and window.
func Merge(acqs []domain.RateLimitAcquisition) ([]domain.RateLimitAcquisition, error) {
	out := make([]domain.RateLimitAcquisition, 0, len(acqs))
	pos := make(map[string]int, len(acqs))
	for _, a := range acqs {
		if err := Validate(a); err != nil {
			return nil, err
		}
		if i, ok := pos[a.Key]; ok {
			out[i].Units += a.Units
			out[i].Limit, out[i].Window = a.Limit, a.Window
			continue
		}
		pos[a.Key] = len(out)
		out = append(out, a)
	}
	for _, a := range out {
		if err := Validate(a); err != nil {
			return nil, err
		}
	}
	return out, nil
}
