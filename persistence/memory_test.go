package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGatewayJobRoundTrip(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	job := JobRecord{ID: "j1", QueueName: "default", JobType: "noop", Status: "pending", CreatedAt: time.Now()}
	require.NoError(t, g.UpsertJob(ctx, job))

	rows, err := g.SelectJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "j1", rows[0].ID)

	job.Status = "completed"
	require.NoError(t, g.UpsertJob(ctx, job))
	rows, err = g.SelectJobs(ctx, "completed")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, g.DeleteJob(ctx, "j1"))
	rows, err = g.SelectJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemoryGatewayWorkflowCascadesExecutions(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	wf := ScheduledWorkflowRecord{ID: "wf1", Name: "nightly", TriggerType: "cron", CreatedAt: time.Now()}
	require.NoError(t, g.UpsertScheduledWorkflow(ctx, wf))

	exec := ScheduleExecutionRecord{ID: "e1", ScheduleID: "wf1", Status: "completed", StartedAt: time.Now()}
	require.NoError(t, g.InsertScheduleExecution(ctx, exec))

	execs, err := g.SelectScheduleExecutions(ctx, "wf1", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	require.NoError(t, g.DeleteScheduledWorkflow(ctx, "wf1"))

	execs, err = g.SelectScheduleExecutions(ctx, "wf1", 0)
	require.NoError(t, err)
	assert.Empty(t, execs, "deleting a workflow must cascade its execution history")
}

func TestMemoryGatewaySelectScheduleExecutionsTruncatesToLimit(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	require.NoError(t, g.UpsertScheduledWorkflow(ctx, ScheduledWorkflowRecord{ID: "wf1", CreatedAt: time.Now()}))
	for i := 0; i < 5; i++ {
		require.NoError(t, g.InsertScheduleExecution(ctx, ScheduleExecutionRecord{
			ID: string(rune('a' + i)), ScheduleID: "wf1", Status: "completed", StartedAt: time.Now(),
		}))
	}

	execs, err := g.SelectScheduleExecutions(ctx, "wf1", 2)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}
