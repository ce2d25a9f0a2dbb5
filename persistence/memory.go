package persistence

import (
	"context"
	"sort"
	"sync"
)

// MemoryGateway is the default Gateway: process-local maps guarded by a
// single mutex. It satisfies the contract without requiring any external
// storage, and is the default gateway of both the queue and the scheduler.
type MemoryGateway struct {
	mu         sync.Mutex
	jobs       map[string]JobRecord
	workflows  map[string]ScheduledWorkflowRecord
	executions map[string]ScheduleExecutionRecord
	events     []EventRecord
}

// NewMemoryGateway constructs an empty in-memory Gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		jobs:       make(map[string]JobRecord),
		workflows:  make(map[string]ScheduledWorkflowRecord),
		executions: make(map[string]ScheduleExecutionRecord),
	}
}

func (g *MemoryGateway) UpsertJob(_ context.Context, job JobRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[job.ID] = job
	return nil
}

func (g *MemoryGateway) SelectJobs(_ context.Context, status string) ([]JobRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []JobRecord
	for _, j := range g.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (g *MemoryGateway) DeleteJob(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, id)
	return nil
}

func (g *MemoryGateway) UpsertScheduledWorkflow(_ context.Context, wf ScheduledWorkflowRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workflows[wf.ID] = wf
	return nil
}

func (g *MemoryGateway) SelectScheduledWorkflows(_ context.Context) ([]ScheduledWorkflowRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ScheduledWorkflowRecord, 0, len(g.workflows))
	for _, wf := range g.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (g *MemoryGateway) DeleteScheduledWorkflow(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workflows, id)
	for execID, e := range g.executions {
		if e.ScheduleID == id {
			delete(g.executions, execID)
		}
	}
	return nil
}

func (g *MemoryGateway) InsertScheduleExecution(_ context.Context, exec ScheduleExecutionRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executions[exec.ID] = exec
	return nil
}

func (g *MemoryGateway) UpdateScheduleExecution(_ context.Context, exec ScheduleExecutionRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executions[exec.ID] = exec
	return nil
}

func (g *MemoryGateway) SelectScheduleExecutions(_ context.Context, scheduleID string, limit int) ([]ScheduleExecutionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ScheduleExecutionRecord
	for _, e := range g.executions {
		if e.ScheduleID == scheduleID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (g *MemoryGateway) InsertEvent(_ context.Context, event EventRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
	return nil
}
