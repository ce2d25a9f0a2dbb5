// Package persistence defines the narrow write-through storage contract the
// queue and scheduler depend on, and ships two implementations: an
// in-memory gateway used by default and in tests, and a SQLite-backed
// gateway for the optional durable mode. Persistence is a write-through
// sink, never the source of truth during a run: in-memory state is
// authoritative, and persistence failures are logged, not propagated.
package persistence

import (
	"context"
	"errors"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ErrNotFound signals a lookup that found nothing. Neither gateway in this
// package returns it: their Select methods return an empty result instead.
var ErrNotFound = errors.New("persistence: not found")

// JobRecord mirrors the queue_jobs table from the persistence contract.
type JobRecord struct {
	ID          string
	QueueName   string
	JobType     string
	Data        []byte
	Priority    int
	Status      string
	Attempts    int
	MaxAttempts int
	Result      []byte
	Error       string
	ParentID    string
	Metadata    []byte
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
}

// ScheduledWorkflowRecord mirrors the scheduled_workflows table.
type ScheduledWorkflowRecord struct {
	ID            string
	Name          string
	Description   string
	TriggerType   string
	TriggerConfig []byte
	Request       []byte
	Enabled       bool
	MaxConcurrent int
	RetryOnFail   bool
	Tags          []string
	CreatedAt     time.Time
	LastRunAt     *time.Time
}

// ScheduleExecutionRecord mirrors the schedule_executions table.
type ScheduleExecutionRecord struct {
	ID                  string
	ScheduleID          string
	Status              string
	StartedAt           time.Time
	CompletedAt         *time.Time
	Error               string
	WorkflowExecutionID string
}

// EventRecord mirrors the events audit table.
type EventRecord struct {
	ID         string
	Type       string
	Payload    []byte
	SourceType string
	SourceID   string
	CreatedAt  time.Time
}

// Gateway is the persistence contract the queue and scheduler use. Every
// method is best-effort from the caller's perspective: callers log a
// returned error and continue running off in-memory state.
type Gateway interface {
	UpsertJob(ctx context.Context, job JobRecord) error
	SelectJobs(ctx context.Context, status string) ([]JobRecord, error)
	DeleteJob(ctx context.Context, id string) error

	UpsertScheduledWorkflow(ctx context.Context, wf ScheduledWorkflowRecord) error
	SelectScheduledWorkflows(ctx context.Context) ([]ScheduledWorkflowRecord, error)
	DeleteScheduledWorkflow(ctx context.Context, id string) error

	InsertScheduleExecution(ctx context.Context, exec ScheduleExecutionRecord) error
	UpdateScheduleExecution(ctx context.Context, exec ScheduleExecutionRecord) error
	SelectScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]ScheduleExecutionRecord, error)

	InsertEvent(ctx context.Context, event EventRecord) error
}

// EventRecordFromCloudEvent converts an emitted CloudEvent into the
// EventRecord shape persisted to the audit table.
func EventRecordFromCloudEvent(event cloudevents.Event, sourceType, sourceID string) EventRecord {
	return EventRecord{
		ID:         event.ID(),
		Type:       event.Type(),
		Payload:    event.Data(),
		SourceType: sourceType,
		SourceID:   sourceID,
		CreatedAt:  event.Time(),
	}
}
