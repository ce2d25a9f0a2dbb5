package queue

import (
	"time"
)

// Priority orders pending jobs; lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Status is a job's position in its state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusStalled   Status = "stalled"
)

// Job is a single unit of work tracked by the queue.
type Job struct {
	ID          string
	Type        string
	Data        []byte
	Priority    Priority
	Status      Status
	Attempts    int
	MaxAttempts int
	Delay       time.Duration
	NextRetryAt time.Time

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	ParentID string
	Result   []byte
	Error    string
	Metadata map[string]any
}

// AddOptions configures a new job at creation time.
type AddOptions struct {
	Priority    Priority
	MaxAttempts int
	Delay       time.Duration
	ParentID    string
	Metadata    map[string]any
}

// Handler performs the work for a job's Type. Returning an error marks the
// attempt failed and triggers the retry/backoff policy; the error never
// propagates out of the queue to the caller.
type Handler func(job *Job) (result []byte, err error)
