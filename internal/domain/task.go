package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusExecuting  Status = "EXECUTING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// CanTransitionTo reports whether moving from s to next is a legal step of
// the task state machine. No state is skipped: a completed task went through
// assigned and executing, and a dead-lettered task went through at least one
// failed attempt.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAssigned
	case StatusAssigned:
		return next == StatusExecuting || next == StatusPending // lease expiry returns the claim
	case StatusExecuting:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending || next == StatusDeadLetter
	default:
		return false
	}
}

// Priority orders claimable tasks. Higher values are claimed first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// ParsePriority maps the wire form ("high"/"medium"/"low") to a Priority.
// Unknown strings map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// Task is the core domain entity representing a unit of work submitted by an
// external collaborator. Params is opaque; the queue never interprets it.
type Task struct {
	ID              string          `json:"id"`
	Category        string          `json:"category"`
	Priority        Priority        `json:"priority"`
	Params          json.RawMessage `json:"params"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	Timeout         time.Duration   `json:"timeout"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Status          Status          `json:"status"`
	Seq             uint64          `json:"seq"` // submission order, FIFO tie-break
	CancelRequested bool            `json:"cancel_requested"`
	NotBefore       time.Time       `json:"not_before,omitzero"` // backoff gate after a failure
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ResultKind is the explicit outcome of one execution attempt. Handler
// failures travel as values through the queue's state machine, never as
// errors across component boundaries.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultFailure ResultKind = "failure"
	ResultTimeout ResultKind = "timeout"
)

// TaskResult reports the outcome of one execution attempt.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	Kind       ResultKind      `json:"kind"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Lease records which worker holds a claimed task and until when.
type Lease struct {
	WorkerID string    `json:"worker_id"`
	Deadline time.Time `json:"deadline"`
}

// Event is one audit record of a task state transition. Events are appended
// to the store before the transition is considered durable.
type Event struct {
	Seq      uint64    `json:"seq"`
	TaskID   string    `json:"task_id"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	WorkerID string    `json:"worker_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}
