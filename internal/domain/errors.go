package domain

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// ErrSuperseded is the ConcurrencyRejected cause: a conflicting instance with the
	// same concurrency key won under cancel_newest or cancel_in_progress.
	ErrSuperseded = errors.New("cancelled: superseded")
	// ErrRateLimited means a quota is exhausted; see ExecutionError.RetryAfter.
	ErrRateLimited = errors.New("rate limited")
	// ErrSlotUnavailable is backpressure from a non-blocking slot acquire, not a failure.
	ErrSlotUnavailable = errors.New("no slot available")
	// ErrCheckpointEvicted means a live run's checkpoints left the cache before it resumed.
	ErrCheckpointEvicted = errors.New("checkpoint evicted")
	// ErrRunCancelled is the cancellation cause used when the dispatcher cancels a run.
	ErrRunCancelled = errors.New("run cancelled")
	ErrUnknownTask  = errors.New("unknown task")

	ErrUnitsExceedLimit = errors.New("rate limit units exceed limit")
)

type UnknownStrategyError struct {
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown concurrency strategy %q", e.Name)
}

// TaskError lets a task body attach a kind to an error and mark it non-retryable.
type TaskError struct {
	Kind         string
	NonRetryable bool
	Err          error
}

func (e *TaskError) Error() string {
	if e.Kind == "" {
		return e.Err.Error()
	}
	return e.Kind + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// NonRetryable marks err so the retry controller fails the run immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{NonRetryable: true, Err: err}
}

// WithKind tags err with a kind that can be listed in RetryPolicy.NonRetryableKinds.
func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: kind, Err: err}
}

// KindOf returns the declared kind of err, falling back to its dynamic type name.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var te *TaskError
	for cur := err; errors.As(cur, &te); cur = te.Err {
		if te.Kind != "" {
			return te.Kind
		}
		err = te.Err
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// IsNonRetryable reports whether err was explicitly marked non-retryable.
func IsNonRetryable(err error) bool {
	var te *TaskError
	for errors.As(err, &te) {
		if te.NonRetryable {
			return true
		}
		err = te.Err
	}
	return false
}

type FailureReason string

const (
	ReasonRetriesExhausted    FailureReason = "retries_exhausted"
	ReasonNonRetryable        FailureReason = "non_retryable"
	ReasonConcurrencyRejected FailureReason = "concurrency_rejected"
	ReasonRateLimited         FailureReason = "rate_limited"
	ReasonCancelled           FailureReason = "cancelled"
	ReasonInvalidInput        FailureReason = "invalid_input"
	ReasonCheckpointEvicted   FailureReason = "checkpoint_evicted"
	ReasonTimedOut            FailureReason = "timed_out"
	ReasonUnknownTask         FailureReason = "unknown_task"
)

// ExecutionError wraps the task's original error with the worker's decisions about it.
type ExecutionError struct {
	Err        error
	Reason     FailureReason
	Attempts   int
	RetryAfter time.Duration
	Delays     []time.Duration
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
