package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusDone      TaskStatus = "done"
	StatusFailed    TaskStatus = "failed"
	StatusDelayed   TaskStatus = "delayed"
	StatusCancelled TaskStatus = "cancelled"
)

// TaskInstance is the worker's working copy of one execution of a declared task.
// The dispatcher owns the global lifecycle; the policy fields below are filled in
// from the task declaration when the instance is offered.
type TaskInstance struct {
	RunID    string            `json:"run_id"`
	TaskName string            `json:"task_name"`
	Input    json.RawMessage   `json:"input,omitempty"`
	Metadata map[string]string `json:"additional_metadata,omitempty"`
	Priority int               `json:"priority"`
	Attempt  int               `json:"attempt"`

	ConcurrencyKey string                 `json:"concurrency_key,omitempty"`
	RateLimits     []RateLimitAcquisition `json:"rate_limits,omitempty"`
	Retry          RetryPolicy            `json:"retry"`

	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	NextRunAt time.Time  `json:"next_run_at"`

	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// RetryPolicy is read by the retry controller when an attempt fails.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	BackoffFactor     float64       `json:"backoff_factor"`
	BackoffMax        time.Duration `json:"backoff_max"`
	NonRetryableKinds []string      `json:"non_retryable_kinds,omitempty"`
}

// IsNonRetryableKind reports whether kind was declared non-retryable.
func (p RetryPolicy) IsNonRetryableKind(kind string) bool {
	for _, k := range p.NonRetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type ConcurrencyStrategy string

const (
	StrategyFIFO             ConcurrencyStrategy = "fifo"
	StrategyCancelNewest     ConcurrencyStrategy = "cancel_newest"
	StrategyCancelInProgress ConcurrencyStrategy = "cancel_in_progress"
	StrategyGroupRoundRobin  ConcurrencyStrategy = "group_round_robin"
)

// ParseConcurrencyStrategy maps a configured name onto a strategy; empty means FIFO.
func ParseConcurrencyStrategy(s string) (ConcurrencyStrategy, error) {
	switch ConcurrencyStrategy(s) {
	case "", StrategyFIFO:
		return StrategyFIFO, nil
	case StrategyCancelNewest, StrategyCancelInProgress, StrategyGroupRoundRobin:
		return ConcurrencyStrategy(s), nil
	}
	return "", &UnknownStrategyError{Name: s}
}
