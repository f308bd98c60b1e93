package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job cannot be found in the store
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation is not allowed in the job's current status
	ErrInvalidState = errors.New("invalid job state")

	// ErrSerialization is returned when a payload, message or result cannot be encoded or decoded
	ErrSerialization = errors.New("serialization error")

	// ErrUnknownWorker is returned when no handler is registered for a worker kind
	ErrUnknownWorker = errors.New("unknown worker kind")

	// ErrExecution marks handler-level failures
	ErrExecution = errors.New("job execution failed")

	// ErrCrashed is returned by a worker loop that recovered from a fatal
	// failure while a job was in flight
	ErrCrashed = errors.New("worker crashed while executing job")
)

// ConnectionError marks broker or store unreachability. Callers retry these
// with backoff instead of treating them as logic errors.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "connection error: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a connection-class failure of op
func NewConnectionError(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}

// IsConnectionError reports whether err (or anything it wraps) is a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// ExecutionError is a handler failure for a given job
type ExecutionError struct {
	JobID      int64
	WorkerKind string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %d (%s): %v", e.JobID, e.WorkerKind, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, e.Err}
}

// SubmissionError is returned when a job row was created but could not be
// published. The row stays Queued and JobID is still valid.
type SubmissionError struct {
	JobID int64
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("job %d stored but not published: %v", e.JobID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// InvalidState builds an ErrInvalidState describing the refused operation
func InvalidState(id int64, status Status, op string) error {
	return fmt.Errorf("%w: cannot %s job %d in status %s", ErrInvalidState, op, id, status)
}
