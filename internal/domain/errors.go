package domain

import "fmt"

// ValidationError is returned for a malformed submission. The task is
// rejected synchronously and never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: field %q %s", e.Field, e.Reason)
}

// DependencyCycleError is returned when a submission would deadlock the
// dependency graph.
type DependencyCycleError struct {
	TaskID string
	Cycle  []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("task %s would create a dependency cycle: %v", e.TaskID, e.Cycle)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ExecutionError is recorded when a handler reported failure. The queue
// retries with exponential backoff up to the task's retry budget.
type ExecutionError struct {
	TaskID  string
	Attempt int
	Cause   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d failed: %s", e.TaskID, e.Attempt, e.Cause)
}

// TimeoutError is recorded when a handler exceeded the task's declared
// timeout. It counts against the retry budget.
type TimeoutError struct {
	TaskID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded its declared timeout", e.TaskID)
}

// StoreUnavailableError is returned when a durable storage operation failed.
// Callers retry with backoff; affected queue operations pause rather than
// silently dropping work.
type StoreUnavailableError struct {
	Namespace string
	Op        string
	Cause     error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s on namespace %q: %v", e.Op, e.Namespace, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

// NamespacePausedError is returned for writes to a namespace that degraded
// to read-only after a storage or corruption failure.
type NamespacePausedError struct {
	Namespace string
}

func (e *NamespacePausedError) Error() string {
	return fmt.Sprintf("namespace %q is paused for writes", e.Namespace)
}

// CorruptionError is returned when a checkpoint blob or store entry fails an
// integrity check. The artifact is quarantined and restore falls back to the
// last valid checkpoint.
type CorruptionError struct {
	Subject  string // checkpoint ID or "namespace/key"
	Expected string
	Actual   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: want %s, got %s", e.Subject, e.Expected, e.Actual)
}

// EntryNotFoundError is returned when a (namespace, key) pair does not exist
// at the requested version or timestamp.
type EntryNotFoundError struct {
	Namespace string
	Key       string
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("entry not found: %s/%s", e.Namespace, e.Key)
}

// CheckpointNotFoundError is returned when no checkpoint exists with the
// given ID, or no valid checkpoint remains to fall back to.
type CheckpointNotFoundError struct {
	ID string
}

func (e *CheckpointNotFoundError) Error() string {
	if e.ID == "" {
		return "no valid checkpoint available"
	}
	return fmt.Sprintf("checkpoint not found: %s", e.ID)
}
