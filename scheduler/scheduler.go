// Package scheduler drives scheduled workflow executions off cron,
// interval, and event triggers, under per-schedule and global concurrency
// caps, recording execution history through a persistence.Gateway.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/google/uuid"

	"github.com/brokeagent/tradeflow/clock"
	"github.com/brokeagent/tradeflow/events"
	"github.com/brokeagent/tradeflow/logging"
	"github.com/brokeagent/tradeflow/persistence"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// historyLimit bounds in-memory execution history retained per schedule.
const historyLimit = 200

// armed tracks the goroutine driving a cron/interval schedule's timer
// loop, so it can be torn down on unregister/disable/stop.
type armed struct {
	stop chan struct{}
}

// Scheduler registers ScheduledWorkflows against cron/interval/event
// triggers and launches executions through an injected Runner.
type Scheduler struct {
	cfg      Config
	loc      *time.Location
	clock    clock.Clock
	bus      *events.Bus
	gateway  persistence.Gateway
	logger   logging.Logger
	cronEval CronEvaluator
	catchUp  CatchUpPolicy

	mu               sync.Mutex
	workflows        map[string]*Workflow
	cronSchedules    map[string]CronSchedule
	armedTriggers    map[string]*armed
	eventSubscribers map[string][]string
	running          map[string]int
	globalRunning    int
	executions       map[string][]*Execution
	retryTimers      map[string]clock.Timer
	runner           Runner

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithGateway(g persistence.Gateway) Option { return func(s *Scheduler) { s.gateway = g } }

func WithLogger(l logging.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithBus(b *events.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func WithCronEvaluator(c CronEvaluator) Option { return func(s *Scheduler) { s.cronEval = c } }

func WithCatchUpPolicy(p CatchUpPolicy) Option { return func(s *Scheduler) { s.catchUp = p } }

// New constructs a Scheduler. Returns a ConfigurationError-class error if
// cfg.Timezone doesn't name a valid IANA zone.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, cfg.Timezone, err)
	}

	s := &Scheduler{
		cfg:              cfg,
		loc:              loc,
		clock:            clock.New(),
		bus:              events.New(),
		gateway:          persistence.NewMemoryGateway(),
		logger:           logging.NewNop(),
		cronEval:         NewCronEvaluator(),
		catchUp:          DefaultCatchUpPolicy(),
		workflows:        make(map[string]*Workflow),
		cronSchedules:    make(map[string]CronSchedule),
		armedTriggers:    make(map[string]*armed),
		eventSubscribers: make(map[string][]string),
		running:          make(map[string]int),
		executions:       make(map[string][]*Execution),
		retryTimers:      make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bus exposes the scheduler's event bus.
func (s *Scheduler) Bus() *events.Bus { return s.bus }

// SetWorkflowRunner injects the external runner. Required before any
// execution path resolves; until set, executions fail with ErrRunnerNotSet.
func (s *Scheduler) SetWorkflowRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Register persists and installs triggers for spec, returning the new
// schedule's ID. If spec.Enabled, triggers activate immediately.
func (s *Scheduler) Register(spec RegisterSpec) (string, error) {
	var sched CronSchedule
	if spec.Trigger.Kind == TriggerCron {
		parsed, err := s.cronEval.Parse(spec.Trigger.CronExpr)
		if err != nil {
			return "", err
		}
		sched = parsed
	}
	if spec.Trigger.Kind == TriggerInterval && spec.Trigger.Interval <= 0 {
		return "", ErrInvalidInterval
	}
	maxConcurrent := spec.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	retryOnFail := s.cfg.DefaultRetryOnFail
	if spec.RetryOnFail != nil {
		retryOnFail = *spec.RetryOnFail
	}

	wf := &Workflow{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		Description:   spec.Description,
		Trigger:       spec.Trigger,
		Request:       spec.Request,
		Enabled:       spec.Enabled,
		MaxConcurrent: maxConcurrent,
		RetryOnFail:   retryOnFail,
		Tags:          spec.Tags,
		CreatedAt:     s.clock.Now(),
	}

	s.mu.Lock()
	s.workflows[wf.ID] = wf
	if sched != nil {
		s.cronSchedules[wf.ID] = sched
	}
	s.persistWorkflowLocked(wf)
	if wf.Enabled {
		s.armLocked(wf)
	}
	s.mu.Unlock()

	go s.bus.Emit(context.Background(), EventScheduleRegistered, "scheduler", scheduleEventPayload{ID: wf.ID, Name: wf.Name})
	return wf.ID, nil
}

type scheduleEventPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Unregister deactivates triggers and removes the schedule, cascading its
// execution history.
func (s *Scheduler) Unregister(id string) bool {
	s.mu.Lock()
	wf, ok := s.workflows[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.disarmLocked(id)
	delete(s.workflows, id)
	delete(s.cronSchedules, id)
	delete(s.executions, id)
	s.mu.Unlock()

	if err := s.gateway.DeleteScheduledWorkflow(context.Background(), id); err != nil {
		s.logger.Warn("scheduler: persistence delete failed", "schedule", id, "error", err)
	}
	go s.bus.Emit(context.Background(), EventScheduleUnregistered, "scheduler", scheduleEventPayload{ID: id, Name: wf.Name})
	return true
}

func (s *Scheduler) removeEventSubscriberLocked(eventType, id string) {
	subs := s.eventSubscribers[eventType]
	for i, sid := range subs {
		if sid == id {
			s.eventSubscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Enable toggles a schedule on and activates its trigger. Returns false if
// the schedule doesn't exist.
func (s *Scheduler) Enable(id string) bool { return s.setEnabled(id, true) }

// Disable toggles a schedule off and deactivates its trigger.
func (s *Scheduler) Disable(id string) bool { return s.setEnabled(id, false) }

func (s *Scheduler) setEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	wf, ok := s.workflows[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if wf.Enabled == enabled {
		s.mu.Unlock()
		return true
	}
	wf.Enabled = enabled
	if enabled {
		s.armLocked(wf)
	} else {
		s.disarmLocked(id)
	}
	s.persistWorkflowLocked(wf)
	s.mu.Unlock()

	evt := EventScheduleDisabled
	if enabled {
		evt = EventScheduleEnabled
	}
	go s.bus.Emit(context.Background(), evt, "scheduler", scheduleEventPayload{ID: id, Name: wf.Name})
	return true
}

// TriggerEvent looks up subscribers for eventType, in registration order,
// and launches an execution for each enabled one. Logs an event record
// regardless of whether any subscriber matched.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, payload []byte) {
	event := events.NewEvent(eventType, "scheduler.event", payload)
	rec := persistence.EventRecordFromCloudEvent(event, "scheduler.event", eventType)
	rec.CreatedAt = s.clock.Now()
	if err := s.gateway.InsertEvent(ctx, rec); err != nil {
		s.logger.Warn("scheduler: persisting event record failed", "type", eventType, "error", err)
	}

	s.mu.Lock()
	ids := append([]string{}, s.eventSubscribers[eventType]...)
	s.mu.Unlock()

	for _, id := range ids {
		s.launchIfReserved(id)
	}
}

// RunNow bypasses triggers and attempts to execute id immediately, subject
// to the same concurrency gating as any other activation. Returns the new
// execution's ID and true, or "" and false if gating rejected the run or
// the schedule doesn't exist or is disabled.
func (s *Scheduler) RunNow(id string) (string, bool) {
	exec := s.reserve(id)
	if exec == nil {
		return "", false
	}
	go s.runExecution(id, exec)
	return exec.ID, true
}

func (s *Scheduler) launchIfReserved(id string) {
	exec := s.reserve(id)
	if exec == nil {
		return
	}
	go s.runExecution(id, exec)
}

// reserve performs the concurrency-gating check and, if it passes,
// atomically reserves a running slot and returns a fresh Execution row.
// Returns nil if the schedule is unknown, disabled, or gated.
func (s *Scheduler) reserve(id string) *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || !wf.Enabled {
		return nil
	}
	if s.running[id] >= wf.MaxConcurrent {
		return nil
	}
	if s.cfg.MaxGlobalConcurrent > 0 && s.globalRunning >= s.cfg.MaxGlobalConcurrent {
		return nil
	}
	s.running[id]++
	s.globalRunning++

	exec := &Execution{ID: uuid.NewString(), ScheduleID: id, Status: ExecRunning, StartedAt: s.clock.Now()}
	s.executions[id] = append(s.executions[id], exec)
	if len(s.executions[id]) > historyLimit {
		s.executions[id] = s.executions[id][len(s.executions[id])-historyLimit:]
	}
	s.persistExecutionLocked(exec, true)
	return exec
}

// runExecution invokes the runner for exec and applies the resulting
// completed/failed transition, decrementing concurrency counters and
// refreshing nextRunAt regardless of outcome.
func (s *Scheduler) runExecution(id string, exec *Execution) {
	go s.bus.Emit(context.Background(), EventExecutionStarted, "scheduler", executionEventPayload{ID: exec.ID, ScheduleID: id})

	s.mu.Lock()
	wf := s.workflows[id]
	runner := s.runner
	request := wf.Request
	retryOnFail := wf.RetryOnFail
	s.mu.Unlock()

	var result RunResult
	var err error
	if runner == nil {
		err = ErrRunnerNotSet
	} else {
		result, err = runner(context.Background(), request)
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.running[id]--
	s.globalRunning--
	if sched, ok := s.cronSchedules[id]; ok && wf != nil {
		wf.NextRunAt = sched.Next(now.In(s.loc))
	}

	exec.CompletedAt = now
	if err == nil {
		exec.Status = ExecCompleted
		exec.WorkflowExecutionID = result.WorkflowID
		if wf != nil {
			wf.LastRunAt = now
			s.persistWorkflowLocked(wf)
		}
	} else {
		exec.Status = ExecFailed
		exec.Error = err.Error()
	}
	s.persistExecutionLocked(exec, false)
	s.mu.Unlock()

	if err == nil {
		s.bus.Emit(context.Background(), EventExecutionCompleted, "scheduler", executionEventPayload{ID: exec.ID, ScheduleID: id})
		return
	}

	s.bus.Emit(context.Background(), EventExecutionFailed, "scheduler", executionEventPayload{ID: exec.ID, ScheduleID: id, Error: err.Error()})
	if retryOnFail {
		s.armRetryTimer(id)
	}
}

type executionEventPayload struct {
	ID         string `json:"id"`
	ScheduleID string `json:"scheduleId"`
	Error      string `json:"error,omitempty"`
}

// armRetryTimer schedules a single delayed retry of id, 60 seconds out,
// tracked so Stop can cancel it (per SPEC_FULL.md's decision on the
// retry-timer-lifecycle open question).
func (s *Scheduler) armRetryTimer(id string) {
	s.mu.Lock()
	if old, ok := s.retryTimers[id]; ok {
		old.Stop()
	}
	timer := s.clock.NewTimer(60 * time.Second)
	s.retryTimers[id] = timer
	s.mu.Unlock()

	go s.bus.Emit(context.Background(), EventExecutionRetryArmed, "scheduler", scheduleEventPayload{ID: id})

	go func() {
		select {
		case <-timer.C():
			s.mu.Lock()
			delete(s.retryTimers, id)
			s.mu.Unlock()
			s.launchIfReserved(id)
		case <-s.stopSignal():
			timer.Stop()
		}
	}()
}

// stopSignal returns the current stop channel, or a nil channel (which
// blocks forever in a select) if the scheduler isn't running.
func (s *Scheduler) stopSignal() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

// GetSchedules returns a copy of every registered workflow.
func (s *Scheduler) GetSchedules() []Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, *wf)
	}
	return out
}

// GetSchedule returns a copy of a single workflow.
func (s *Scheduler) GetSchedule(id string) (Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return Workflow{}, false
	}
	return *wf, true
}

// GetExecutionHistory returns up to limit most-recent executions for id,
// newest last (0 means "all retained").
func (s *Scheduler) GetExecutionHistory(id string, limit int) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	execs := s.executions[id]
	if limit > 0 && len(execs) > limit {
		execs = execs[len(execs)-limit:]
	}
	out := make([]Execution, len(execs))
	for i, e := range execs {
		out[i] = *e
	}
	return out
}

// armLocked installs the trigger for wf: a cron/interval timer loop
// goroutine, or an event-subscriber registration. Callers must hold s.mu.
func (s *Scheduler) armLocked(wf *Workflow) {
	s.disarmLocked(wf.ID)

	switch wf.Trigger.Kind {
	case TriggerCron:
		sched := s.cronSchedules[wf.ID]
		if sched == nil {
			parsed, err := s.cronEval.Parse(wf.Trigger.CronExpr)
			if err != nil {
				s.logger.Error("scheduler: re-parsing cron expression failed", "schedule", wf.ID, "error", err)
				return
			}
			sched = parsed
			s.cronSchedules[wf.ID] = sched
		}
		wf.NextRunAt = sched.Next(s.clock.Now().In(s.loc))
		stop := make(chan struct{})
		s.armedTriggers[wf.ID] = &armed{stop: stop}
		s.wg.Add(1)
		go s.cronLoop(wf.ID, sched, stop)

	case TriggerInterval:
		wf.NextRunAt = s.clock.Now().Add(wf.Trigger.Interval)
		stop := make(chan struct{})
		s.armedTriggers[wf.ID] = &armed{stop: stop}
		s.wg.Add(1)
		go s.intervalLoop(wf.ID, wf.Trigger.Interval, stop)

	case TriggerEvent:
		s.eventSubscribers[wf.Trigger.EventType] = append(s.eventSubscribers[wf.Trigger.EventType], wf.ID)
	}
}

// disarmLocked tears down whatever trigger wf currently has installed.
// Callers must hold s.mu.
func (s *Scheduler) disarmLocked(id string) {
	if a, ok := s.armedTriggers[id]; ok {
		close(a.stop)
		delete(s.armedTriggers, id)
	}
	if wf, ok := s.workflows[id]; ok && wf.Trigger.Kind == TriggerEvent {
		s.removeEventSubscriberLocked(wf.Trigger.EventType, id)
	}
	wf := s.workflows[id]
	if wf != nil {
		wf.NextRunAt = time.Time{}
	}
}

func (s *Scheduler) cronLoop(id string, sched CronSchedule, stop chan struct{}) {
	defer s.wg.Done()
	for {
		now := s.clock.Now()
		wait := sched.Next(now.In(s.loc)).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := s.clock.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C():
		}
		s.launchIfReserved(id)
	}
}

func (s *Scheduler) intervalLoop(id string, interval time.Duration, stop chan struct{}) {
	defer s.wg.Done()
	for {
		timer := s.clock.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C():
		}
		s.mu.Lock()
		if wf, ok := s.workflows[id]; ok {
			wf.NextRunAt = s.clock.Now().Add(interval)
		}
		s.mu.Unlock()
		s.launchIfReserved(id)
	}
}

// Start rehydrates schedules from persistence and arms triggers for every
// enabled one, applying the configured catch-up policy.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	rows, err := s.gateway.SelectScheduledWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: rehydrating schedules: %w", err)
	}

	now := s.clock.Now()
	caughtUp := 0
	s.mu.Lock()
	for _, rec := range rows {
		wf, sched, err := s.workflowFromRecord(rec)
		if err != nil {
			s.logger.Warn("scheduler: skipping schedule with invalid trigger config", "schedule", rec.ID, "error", err)
			continue
		}
		s.workflows[wf.ID] = wf
		if sched != nil {
			s.cronSchedules[wf.ID] = sched
		}
		if !wf.Enabled {
			continue
		}
		catchUp := s.catchUp.eligible(wf, now, caughtUp)
		s.armLocked(wf)
		if catchUp {
			caughtUp++
			s.mu.Unlock()
			s.launchIfReserved(wf.ID)
			s.mu.Lock()
		}
	}
	s.mu.Unlock()
	return nil
}

// Stop disarms every trigger and cancels pending retry timers. In-flight
// executions are allowed to run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.stopCh = nil
	for id := range s.workflows {
		s.disarmLocked(id)
	}
	for _, timer := range s.retryTimers {
		timer.Stop()
	}
	s.retryTimers = make(map[string]clock.Timer)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) persistWorkflowLocked(wf *Workflow) {
	if s.gateway == nil {
		return
	}
	cfgBytes, err := json.Marshal(wf.Trigger)
	if err != nil {
		s.logger.Warn("scheduler: marshaling trigger config failed", "schedule", wf.ID, "error", err)
		return
	}
	rec := persistence.ScheduledWorkflowRecord{
		ID:            wf.ID,
		Name:          wf.Name,
		Description:   wf.Description,
		TriggerType:   string(wf.Trigger.Kind),
		TriggerConfig: cfgBytes,
		Request:       wf.Request,
		Enabled:       wf.Enabled,
		MaxConcurrent: wf.MaxConcurrent,
		RetryOnFail:   wf.RetryOnFail,
		Tags:          wf.Tags,
		CreatedAt:     wf.CreatedAt,
	}
	if !wf.LastRunAt.IsZero() {
		t := wf.LastRunAt
		rec.LastRunAt = &t
	}
	if err := s.gateway.UpsertScheduledWorkflow(context.Background(), rec); err != nil {
		s.logger.Warn("scheduler: persistence upsert failed", "schedule", wf.ID, "error", err)
	}
}

func (s *Scheduler) persistExecutionLocked(exec *Execution, insert bool) {
	if s.gateway == nil {
		return
	}
	rec := persistence.ScheduleExecutionRecord{
		ID:                  exec.ID,
		ScheduleID:          exec.ScheduleID,
		Status:              string(exec.Status),
		StartedAt:           exec.StartedAt,
		Error:               exec.Error,
		WorkflowExecutionID: exec.WorkflowExecutionID,
	}
	if !exec.CompletedAt.IsZero() {
		t := exec.CompletedAt
		rec.CompletedAt = &t
	}
	var err error
	if insert {
		err = s.gateway.InsertScheduleExecution(context.Background(), rec)
	} else {
		err = s.gateway.UpdateScheduleExecution(context.Background(), rec)
	}
	if err != nil {
		s.logger.Warn("scheduler: persisting execution failed", "execution", exec.ID, "error", err)
	}
}

// workflowFromRecord rebuilds a Workflow (and, for cron triggers, its
// parsed CronSchedule) from a persisted row.
func (s *Scheduler) workflowFromRecord(rec persistence.ScheduledWorkflowRecord) (*Workflow, CronSchedule, error) {
	var trigger Trigger
	if err := json.Unmarshal(rec.TriggerConfig, &trigger); err != nil {
		return nil, nil, fmt.Errorf("scheduler: decoding trigger config: %w", err)
	}

	wf := &Workflow{
		ID:            rec.ID,
		Name:          rec.Name,
		Description:   rec.Description,
		Trigger:       trigger,
		Request:       rec.Request,
		Enabled:       rec.Enabled,
		MaxConcurrent: rec.MaxConcurrent,
		RetryOnFail:   rec.RetryOnFail,
		Tags:          rec.Tags,
		CreatedAt:     rec.CreatedAt,
	}
	if rec.LastRunAt != nil {
		wf.LastRunAt = *rec.LastRunAt
	}

	var sched CronSchedule
	if trigger.Kind == TriggerCron {
		parsed, err := s.cronEval.Parse(trigger.CronExpr)
		if err != nil {
			return nil, nil, err
		}
		sched = parsed
	}
	return wf, sched, nil
}
