package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLGateway implements Gateway against the table shapes from the
// persistence contract, using modernc.org/sqlite (pure Go, no cgo). It is
// never selected automatically: a caller opens it and injects it (e.g. via
// queue.WithGateway or scheduler.WithGateway).
type SQLGateway struct {
	db *sql.DB
}

// OpenSQL opens (and migrates) a SQLite-backed Gateway at dsn, e.g.
// "file:tradeflow.db?cache=shared" or ":memory:".
func OpenSQL(ctx context.Context, dsn string) (*SQLGateway, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	g := &SQLGateway{db: db}
	if err := g.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

// Close releases the underlying database handle.
func (g *SQLGateway) Close() error { return g.db.Close() }

func (g *SQLGateway) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_jobs (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			job_type TEXT NOT NULL,
			data BLOB,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			result BLOB,
			error TEXT,
			parent_id TEXT,
			metadata BLOB,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			next_retry_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			trigger_type TEXT NOT NULL,
			trigger_config BLOB,
			request BLOB,
			enabled INTEGER NOT NULL,
			max_concurrent INTEGER NOT NULL,
			retry_on_fail INTEGER NOT NULL,
			tags TEXT,
			created_at DATETIME NOT NULL,
			last_run_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_executions (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL REFERENCES scheduled_workflows(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			error TEXT,
			workflow_execution_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload BLOB,
			source_type TEXT,
			source_id TEXT,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}

func (g *SQLGateway) UpsertJob(ctx context.Context, j JobRecord) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue_name, job_type, data, priority, status, attempts, max_attempts,
			result, error, parent_id, metadata, created_at, started_at, completed_at, next_retry_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET queue_name=excluded.queue_name, job_type=excluded.job_type,
			data=excluded.data, priority=excluded.priority, status=excluded.status, attempts=excluded.attempts,
			max_attempts=excluded.max_attempts, result=excluded.result, error=excluded.error,
			parent_id=excluded.parent_id, metadata=excluded.metadata, started_at=excluded.started_at,
			completed_at=excluded.completed_at, next_retry_at=excluded.next_retry_at`,
		j.ID, j.QueueName, j.JobType, j.Data, j.Priority, j.Status, j.Attempts, j.MaxAttempts,
		j.Result, j.Error, j.ParentID, j.Metadata, j.CreatedAt, j.StartedAt, j.CompletedAt, j.NextRetryAt)
	if err != nil {
		return fmt.Errorf("persistence: upsert job: %w", err)
	}
	return nil
}

func (g *SQLGateway) SelectJobs(ctx context.Context, status string) ([]JobRecord, error) {
	query := `SELECT id, queue_name, job_type, data, priority, status, attempts, max_attempts,
		result, error, parent_id, metadata, created_at, started_at, completed_at, next_retry_at FROM queue_jobs`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: select jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var j JobRecord
		if err := rows.Scan(&j.ID, &j.QueueName, &j.JobType, &j.Data, &j.Priority, &j.Status, &j.Attempts,
			&j.MaxAttempts, &j.Result, &j.Error, &j.ParentID, &j.Metadata, &j.CreatedAt, &j.StartedAt,
			&j.CompletedAt, &j.NextRetryAt); err != nil {
			return nil, fmt.Errorf("persistence: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (g *SQLGateway) DeleteJob(ctx context.Context, id string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("persistence: delete job: %w", err)
	}
	return nil
}

func (g *SQLGateway) UpsertScheduledWorkflow(ctx context.Context, wf ScheduledWorkflowRecord) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO scheduled_workflows (id, name, description, trigger_type, trigger_config, request,
			enabled, max_concurrent, retry_on_fail, tags, created_at, last_run_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
			trigger_type=excluded.trigger_type, trigger_config=excluded.trigger_config, request=excluded.request,
			enabled=excluded.enabled, max_concurrent=excluded.max_concurrent, retry_on_fail=excluded.retry_on_fail,
			tags=excluded.tags, last_run_at=excluded.last_run_at`,
		wf.ID, wf.Name, wf.Description, wf.TriggerType, wf.TriggerConfig, wf.Request,
		wf.Enabled, wf.MaxConcurrent, wf.RetryOnFail, strings.Join(wf.Tags, ","), wf.CreatedAt, wf.LastRunAt)
	if err != nil {
		return fmt.Errorf("persistence: upsert scheduled workflow: %w", err)
	}
	return nil
}

func (g *SQLGateway) SelectScheduledWorkflows(ctx context.Context) ([]ScheduledWorkflowRecord, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, name, description, trigger_type, trigger_config, request,
		enabled, max_concurrent, retry_on_fail, tags, created_at, last_run_at FROM scheduled_workflows`)
	if err != nil {
		return nil, fmt.Errorf("persistence: select scheduled workflows: %w", err)
	}
	defer rows.Close()

	var out []ScheduledWorkflowRecord
	for rows.Next() {
		var wf ScheduledWorkflowRecord
		var tags string
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.TriggerType, &wf.TriggerConfig, &wf.Request,
			&wf.Enabled, &wf.MaxConcurrent, &wf.RetryOnFail, &tags, &wf.CreatedAt, &wf.LastRunAt); err != nil {
			return nil, fmt.Errorf("persistence: scan scheduled workflow: %w", err)
		}
		if tags != "" {
			wf.Tags = strings.Split(tags, ",")
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (g *SQLGateway) DeleteScheduledWorkflow(ctx context.Context, id string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM scheduled_workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("persistence: delete scheduled workflow: %w", err)
	}
	return nil
}

func (g *SQLGateway) InsertScheduleExecution(ctx context.Context, e ScheduleExecutionRecord) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, schedule_id, status, started_at, completed_at, error, workflow_execution_id)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.ScheduleID, e.Status, e.StartedAt, e.CompletedAt, e.Error, e.WorkflowExecutionID)
	if err != nil {
		return fmt.Errorf("persistence: insert schedule execution: %w", err)
	}
	return nil
}

func (g *SQLGateway) UpdateScheduleExecution(ctx context.Context, e ScheduleExecutionRecord) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE schedule_executions SET status=?, completed_at=?, error=?, workflow_execution_id=? WHERE id=?`,
		e.Status, e.CompletedAt, e.Error, e.WorkflowExecutionID, e.ID)
	if err != nil {
		return fmt.Errorf("persistence: update schedule execution: %w", err)
	}
	return nil
}

func (g *SQLGateway) SelectScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]ScheduleExecutionRecord, error) {
	query := `SELECT id, schedule_id, status, started_at, completed_at, error, workflow_execution_id
		FROM schedule_executions WHERE schedule_id = ? ORDER BY started_at DESC`
	args := []any{scheduleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: select schedule executions: %w", err)
	}
	defer rows.Close()

	var out []ScheduleExecutionRecord
	for rows.Next() {
		var e ScheduleExecutionRecord
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Error,
			&e.WorkflowExecutionID); err != nil {
			return nil, fmt.Errorf("persistence: scan schedule execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *SQLGateway) InsertEvent(ctx context.Context, e EventRecord) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO events (id, type, payload, source_type, source_id, created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.Type, e.Payload, e.SourceType, e.SourceID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert event: %w", err)
	}
	return nil
}
