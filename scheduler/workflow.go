package scheduler

import (
	"context"
	"time"
)

// ExecStatus is a schedule execution's lifecycle state.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// Workflow is a registered scheduled workflow.
type Workflow struct {
	ID            string
	Name          string
	Description   string
	Trigger       Trigger
	Request       []byte
	Enabled       bool
	MaxConcurrent int
	RetryOnFail   bool
	Tags          []string
	CreatedAt     time.Time
	LastRunAt     time.Time
	NextRunAt     time.Time
}

// RegisterSpec is the input to Register. RetryOnFail is a pointer so
// Register can distinguish "not specified" (apply Config.DefaultRetryOnFail)
// from an explicit false.
type RegisterSpec struct {
	Name          string
	Description   string
	Trigger       Trigger
	Request       []byte
	Enabled       bool
	MaxConcurrent int
	RetryOnFail   *bool
	Tags          []string
}

// Execution is a single schedule run's history record.
type Execution struct {
	ID                  string
	ScheduleID          string
	Status              ExecStatus
	StartedAt           time.Time
	CompletedAt         time.Time
	Error               string
	WorkflowExecutionID string
}

// RunResult is the opaque-except-for-WorkflowID return of a Runner
// invocation, per spec.md §6's workflow runner contract.
type RunResult struct {
	WorkflowID string
	ThreadID   string
}

// Runner is the externally-injected function that actually executes a
// workflow. The scheduler treats its return as opaque except for
// recording WorkflowID into the execution row.
type Runner func(ctx context.Context, request []byte) (RunResult, error)
