package autoflow

import (
	"context"
	"errors"
	"time"
)

// Priority orders dequeue precedence. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// ParsePriority converts a priority name to a Priority, defaulting to
// normal for unknown names.
func ParsePriority(name string) Priority {
	switch name {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// JobStatus tracks a job through the scheduler's state machine:
// queued -> running -> {completed | failed -> retrying -> queued | cancelled}.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is one queued unit of work: run this workflow with this trigger
// data. Jobs are owned exclusively by the scheduler while queued.
type Job struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Priority    Priority       `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// JobHandler processes one dequeued job. A non-nil error makes the job
// eligible for retry.
type JobHandler func(ctx context.Context, job *Job) error

// QueueStats is a point-in-time view of queue state.
type QueueStats struct {
	Depth     int    `json:"depth"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Cancelled uint64 `json:"cancelled"`
	HighWater int    `json:"high_water"`
	Paused    bool   `json:"paused"`
}

// Queue is the execution scheduler contract shared by the in-process
// and durable backends, so callers do not depend on which is active.
type Queue interface {
	// Bind sets the handler dequeued jobs are dispatched to. Must be
	// called before Start.
	Bind(handler JobHandler)

	// Enqueue accepts a job and returns its ID. Enqueue cannot fail
	// except on infrastructure unavailability.
	Enqueue(ctx context.Context, job *Job) (string, error)

	// Stats returns a snapshot of queue state.
	Stats() QueueStats

	// Pause stops dispatching without dropping queued jobs.
	Pause()

	// Resume restarts dispatching.
	Resume()

	// Remove cancels a still-queued job. It has no effect on a job
	// already dispatched.
	Remove(id string) error

	// Start launches the dispatch loop. Calling Start on a queue that
	// is already running is a no-op.
	Start(ctx context.Context)

	// Close shuts the queue down and waits for in-flight jobs.
	Close() error
}

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrJobNotFound is returned by Remove for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
)

const (
	// DefaultMaxConcurrentExecutions caps simultaneously running jobs.
	DefaultMaxConcurrentExecutions = 10

	// DefaultMaxRetries is the job retry budget.
	DefaultMaxRetries = 3

	// DefaultBackoffBase is the base of the exponential retry backoff.
	DefaultBackoffBase = time.Second
)
