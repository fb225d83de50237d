package domain

import "encoding/json"

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is what the worker reports back to the dispatcher for one offer.
type Outcome struct {
	RunID     string
	Status    OutcomeStatus
	Result    json.RawMessage
	Err       *ExecutionError
	Retryable bool
	Attempts  int
}

func Completed(runID string, result json.RawMessage, attempts int) Outcome {
	return Outcome{RunID: runID, Status: OutcomeCompleted, Result: result, Attempts: attempts}
}

func Failed(runID string, err *ExecutionError, retryable bool) Outcome {
	return Outcome{RunID: runID, Status: OutcomeFailed, Err: err, Retryable: retryable, Attempts: err.Attempts}
}

func Cancelled(runID string, err *ExecutionError) Outcome {
	return Outcome{RunID: runID, Status: OutcomeCancelled, Err: err, Attempts: err.Attempts}
}
