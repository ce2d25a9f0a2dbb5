// Package queue implements a priority job queue with retries, exponential
// backoff, stall detection, bounded concurrency, and optional durable
// persistence through an injected persistence.Gateway.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	jsoniter "github.com/json-iterator/go"

	"github.com/brokeagent/tradeflow/clock"
	"github.com/brokeagent/tradeflow/events"
	"github.com/brokeagent/tradeflow/logging"
	"github.com/brokeagent/tradeflow/persistence"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBackoff caps exponential retry backoff at one minute, per the
// persistence contract's documented retry policy.
const maxBackoff = 60 * time.Second

// Stats is a point-in-time snapshot of job counts by status.
type Stats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int

	// Retained is the number of terminal jobs currently held in the
	// bounded terminal-job cache (see terminalCache). Once that cache
	// hits capacity, the oldest-touched terminal job is evicted from
	// memory automatically, so Retained never exceeds its configured
	// size regardless of how many jobs have ever finished.
	Retained int
}

// Queue dispatches jobs to registered handlers, ordered by priority then
// insertion order, subject to a concurrency cap, with exponential-backoff
// retries and stall detection for handlers that never return.
type Queue struct {
	cfg     Config
	clock   clock.Clock
	bus     *events.Bus
	gateway persistence.Gateway
	logger  logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[string]Handler

	pending []*Job
	running map[string]*Job
	all     map[string]*Job
	generation map[string]uint64

	// terminalCache bounds how many terminal (completed/failed/cancelled)
	// jobs this queue retains in q.all. Every terminal transition touches
	// the cache; once it's full, the least-recently-touched entry is
	// evicted and its job is dropped from memory, giving Clean() a
	// deterministic retention policy instead of relying solely on an
	// explicit Clean() call to bound growth.
	terminalCache *lru.Cache

	started bool
	wake    chan struct{}
	stopCh  chan struct{}
	// loopWG tracks only the dispatch and stall-sweep background loops, so
	// Stop can wait for them without blocking on in-flight handler
	// executions, which are allowed to run to completion in the background.
	loopWG sync.WaitGroup
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithClock overrides the default wall-clock time source.
func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithGateway injects a persistence gateway. Defaults to an in-memory
// gateway; the queue writes through it only when Config.Persistent is true.
func WithGateway(g persistence.Gateway) Option { return func(q *Queue) { q.gateway = g } }

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithBus overrides the default event bus, letting callers share one bus
// across multiple components.
func WithBus(b *events.Bus) Option { return func(q *Queue) { q.bus = b } }

// New constructs a Queue. Returns a ConfigurationError-class error if cfg is
// invalid.
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:        cfg,
		clock:      clock.New(),
		bus:        events.New(),
		gateway:    persistence.NewMemoryGateway(),
		logger:     logging.NewNop(),
		handlers:   make(map[string]Handler),
		running:    make(map[string]*Job),
		all:        make(map[string]*Job),
		generation: make(map[string]uint64),
		wake:       make(chan struct{}, 1),
	}
	retention := cfg.TerminalRetention
	if retention <= 0 {
		retention = 1024
	}
	cache, err := lru.NewWithEvict(retention, q.onTerminalEvicted)
	if err != nil {
		return nil, fmt.Errorf("queue: building terminal job cache: %w", err)
	}
	q.terminalCache = cache
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// isTerminalStatus reports whether status is a final job state eligible for
// bounded retention and Clean().
func isTerminalStatus(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// touchTerminal records id as having just reached a terminal status. Must
// be called without q.mu held, since an eviction triggered here calls back
// into onTerminalEvicted, which takes q.mu itself.
func (q *Queue) touchTerminal(id string) {
	q.terminalCache.Add(id, struct{}{})
}

// onTerminalEvicted is the terminalCache's eviction callback. It drops the
// evicted job from memory, unless it has since left the terminal state it
// was touched in (e.g. Retry moved it back to pending).
func (q *Queue) onTerminalEvicted(key, _ interface{}) {
	id, ok := key.(string)
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.all[id]; ok && isTerminalStatus(job.Status) {
		delete(q.all, id)
		delete(q.generation, id)
	}
}

// Bus exposes the queue's event bus so callers can subscribe to job
// lifecycle events.
func (q *Queue) Bus() *events.Bus { return q.bus }

// Register binds handler to type. The last registration for a given type
// wins; a job dispatched with no registered handler fails immediately with
// no retry.
func (q *Queue) Register(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Add creates a pending job and triggers a non-blocking dispatch pass.
func (q *Queue) Add(jobType string, data []byte, opts AddOptions) *Job {
	now := q.clock.Now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}

	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Data:        data,
		Priority:    opts.Priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		Delay:       opts.Delay,
		ParentID:    opts.ParentID,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
	}
	if opts.Delay > 0 {
		job.NextRetryAt = now.Add(opts.Delay)
	}

	q.mu.Lock()
	q.all[job.ID] = job
	q.insertPendingLocked(job)
	q.persistLocked(job)
	q.mu.Unlock()

	q.bus.Emit(context.Background(), EventJobAdded, q.cfg.Name, jobAddedPayload{ID: job.ID, Type: job.Type})
	q.signalDispatch()
	return job
}

type jobAddedPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// AddBulk adds each item in order via Add, preserving insertion order.
func (q *Queue) AddBulk(items []struct {
	Type string
	Data []byte
	Opts AddOptions
}) []*Job {
	jobs := make([]*Job, 0, len(items))
	for _, item := range items {
		jobs = append(jobs, q.Add(item.Type, item.Data, item.Opts))
	}
	return jobs
}

// GetJob returns a copy of the job with the given ID.
func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.all[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// GetJobs returns a copy of every tracked job, optionally filtered by
// status (pass "" for all).
func (q *Queue) GetJobs(status Status) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.all))
	for _, j := range q.all {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	return out
}

// GetStats returns counts of tracked jobs by status, plus the number of
// terminal jobs currently held in the bounded retention cache.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, j := range q.all {
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	s.Retained = q.terminalCache.Len()
	return s
}

// Cancel removes a pending job, marking it cancelled. Returns false if the
// job isn't pending (already running, terminal, or unknown).
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.all[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	q.removePendingLocked(id)
	job.Status = StatusCancelled
	job.CompletedAt = q.clock.Now()
	q.persistLocked(job)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.touchTerminal(job.ID)
	go q.bus.Emit(context.Background(), EventJobCancelled, q.cfg.Name, jobAddedPayload{ID: job.ID, Type: job.Type})
	return true
}

// Retry resets a failed job to pending with a clean attempt count. Returns
// false if the job isn't failed.
func (q *Queue) Retry(id string) bool {
	q.mu.Lock()
	job, ok := q.all[id]
	if !ok || job.Status != StatusFailed {
		q.mu.Unlock()
		return false
	}
	job.Attempts = 0
	job.Error = ""
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}
	job.NextRetryAt = time.Time{}
	job.Status = StatusPending
	q.insertPendingLocked(job)
	q.persistLocked(job)
	q.mu.Unlock()

	q.signalDispatch()
	return true
}

// insertPendingLocked splices job into the pending sequence, ordered by
// (priority ascending, insertion order): scan from the head for the first
// element whose priority is strictly lower (a larger Priority value) than
// job's, and insert before it. Callers must hold q.mu.
func (q *Queue) insertPendingLocked(job *Job) {
	idx := 0
	for idx < len(q.pending) && q.pending[idx].Priority <= job.Priority {
		idx++
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = job
}

// removePendingLocked removes id from the pending sequence, if present.
func (q *Queue) removePendingLocked(id string) {
	for i, j := range q.pending {
		if j.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) persistLocked(job *Job) {
	if !q.cfg.Persistent || q.gateway == nil {
		return
	}
	rec := jobToRecord(q.cfg.Name, job)
	if err := q.gateway.UpsertJob(context.Background(), rec); err != nil {
		q.logger.Warn("queue: persistence upsert failed", "job", job.ID, "error", err)
	}
}

func (q *Queue) signalDispatch() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start begins the dispatch loop and the periodic stall-detection sweep.
// Idempotent.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	q.loopWG.Add(2)
	go q.dispatchLoop()
	go q.stallLoop()
	q.signalDispatch()
}

// Stop halts dispatch and the stall sweep. In-flight jobs are allowed to
// finish; Stop does not wait for them (use Drain for that). Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()
	q.loopWG.Wait()
}

// Drain blocks until no job is pending or running, or ctx is cancelled.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for len(q.pending) != 0 || len(q.running) != 0 {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clean removes terminal (completed/failed) jobs from memory immediately,
// returning the count removed. This is an explicit, full reap; the bounded
// terminalCache independently evicts the oldest-touched terminal job
// whenever retention exceeds its capacity, so memory never grows
// unbounded even if Clean is never called.
func (q *Queue) Clean() int {
	q.mu.Lock()
	var removed []string
	for id, j := range q.all {
		if j.Status == StatusCompleted || j.Status == StatusFailed {
			delete(q.all, id)
			delete(q.generation, id)
			removed = append(removed, id)
		}
	}
	q.mu.Unlock()

	for _, id := range removed {
		q.terminalCache.Remove(id)
	}
	return len(removed)
}

// LoadFromDatabase rehydrates pending/running rows from the persistence
// gateway. Rows found running are demoted to pending (at-least-once
// semantics), since the prior process may have died mid-execution.
func (q *Queue) LoadFromDatabase(ctx context.Context) error {
	if q.gateway == nil {
		return nil
	}
	rows, err := q.gateway.SelectJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("queue: load from database: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range rows {
		if rec.QueueName != q.cfg.Name {
			continue
		}
		job := jobFromRecord(rec)
		if job.Status == StatusRunning {
			job.Status = StatusPending
		}
		q.all[job.ID] = job
		if job.Status == StatusPending {
			q.insertPendingLocked(job)
		}
	}
	return nil
}

// dispatchLoop owns the pending->running transition. It wakes on an
// explicit signal (Add/Retry/job completion/stall requeue) or on a timer set to
// the earliest ineligible job's NextRetryAt.
func (q *Queue) dispatchLoop() {
	defer q.loopWG.Done()
	var timerC <-chan time.Time
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-timerC:
		}
		wait := q.runDispatchPass()
		if wait > 0 {
			timerC = q.clock.After(wait)
		} else {
			timerC = nil
		}
	}
}

// runDispatchPass dispatches as many eligible jobs as the concurrency cap
// allows and returns how long to wait before trying again (0 means "wait
// for the next explicit signal").
func (q *Queue) runDispatchPass() time.Duration {
	for {
		q.mu.Lock()
		if len(q.running) >= q.cfg.Concurrency {
			q.mu.Unlock()
			return 0
		}
		now := q.clock.Now()
		idx := -1
		for i, j := range q.pending {
			if !j.NextRetryAt.After(now) {
				idx = i
				break
			}
		}
		if idx == -1 {
			wait := q.earliestWaitLocked(now)
			q.mu.Unlock()
			return wait
		}

		job := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		q.running[job.ID] = job
		job.Status = StatusRunning
		job.StartedAt = now
		job.Attempts++
		q.generation[job.ID]++
		gen := q.generation[job.ID]
		q.persistLocked(job)
		q.mu.Unlock()

		go q.bus.Emit(context.Background(), EventJobActive, q.cfg.Name, jobAddedPayload{ID: job.ID, Type: job.Type})

		go q.executeJob(job, gen)
	}
}

func (q *Queue) earliestWaitLocked(now time.Time) time.Duration {
	var earliest time.Time
	for _, j := range q.pending {
		if j.NextRetryAt.IsZero() {
			continue
		}
		if earliest.IsZero() || j.NextRetryAt.Before(earliest) {
			earliest = j.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return 0
	}
	if d := earliest.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

// executeJob invokes the handler for job and applies the resulting
// success/retry/failure transition. gen is the dispatch generation
// captured when the job was moved to running; if the job was reassigned
// (e.g. by stall detection) before this attempt returns, the late result
// is discarded rather than corrupting the newer attempt's state.
func (q *Queue) executeJob(job *Job, gen uint64) {

	q.mu.Lock()
	handler, ok := q.handlers[job.Type]
	q.mu.Unlock()

	var result []byte
	var err error
	if !ok {
		err = ErrHandlerMissing
	} else {
		result, err = invokeHandler(handler, job)
	}

	q.mu.Lock()
	if q.generation[job.ID] != gen {
		// Superseded by stall detection; this attempt no longer owns the job.
		q.mu.Unlock()
		return
	}
	delete(q.running, job.ID)
	now := q.clock.Now()

	switch {
	case err == nil:
		job.Status = StatusCompleted
		job.Result = result
		job.CompletedAt = now
		q.persistLocked(job)
		q.mu.Unlock()
		q.touchTerminal(job.ID)
		q.bus.Emit(context.Background(), EventJobCompleted, q.cfg.Name, jobAddedPayload{ID: job.ID, Type: job.Type})

	case !ok || job.Attempts >= job.MaxAttempts:
		job.Status = StatusFailed
		job.Error = err.Error()
		job.CompletedAt = now
		q.persistLocked(job)
		q.mu.Unlock()
		q.touchTerminal(job.ID)
		q.bus.Emit(context.Background(), EventJobFailed, q.cfg.Name, jobFailedPayload{ID: job.ID, Type: job.Type, Error: job.Error})

	default:
		backoff := time.Duration(1000*(1<<uint(job.Attempts-1))) * time.Millisecond
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		job.Error = err.Error()
		job.NextRetryAt = now.Add(backoff)
		job.Status = StatusPending
		q.insertPendingLocked(job)
		q.persistLocked(job)
		q.mu.Unlock()
		q.bus.Emit(context.Background(), EventJobRetrying, q.cfg.Name, jobFailedPayload{ID: job.ID, Type: job.Type, Error: job.Error})
	}

	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
	q.signalDispatch()
}

// invokeHandler recovers from a handler panic, treating it like a thrown
// error so a misbehaving handler never takes the queue down.
func invokeHandler(handler Handler, job *Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panicked: %v", r)
		}
	}()
	return handler(job)
}

type jobFailedPayload struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Error string `json:"error"`
}

// stallLoop periodically scans the running set for jobs whose wall-clock
// runtime exceeds StallTimeout.
func (q *Queue) stallLoop() {
	defer q.loopWG.Done()
	timer := q.clock.NewTimer(q.cfg.StallInterval)
	defer timer.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-timer.C():
			q.sweepStalled()
			timer = q.clock.NewTimer(q.cfg.StallInterval)
		}
	}
}

func (q *Queue) sweepStalled() {
	now := q.clock.Now()
	q.mu.Lock()
	var stalled []*Job
	for id, j := range q.running {
		if now.Sub(j.StartedAt) > q.cfg.StallTimeout {
			stalled = append(stalled, j)
			delete(q.running, id)
		}
	}
	for _, job := range stalled {
		q.generation[job.ID]++
		if job.Attempts < job.MaxAttempts {
			job.Status = StatusStalled
			q.persistLocked(job)
			job.Status = StatusPending
			q.insertPendingLocked(job)
			q.persistLocked(job)
		} else {
			job.Status = StatusStalled
			q.persistLocked(job)
			job.Status = StatusFailed
			job.Error = "queue: job stalled past stallTimeout with no attempts remaining"
			job.CompletedAt = now
			q.persistLocked(job)
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, job := range stalled {
		if job.Status == StatusFailed {
			q.touchTerminal(job.ID)
			q.bus.Emit(context.Background(), EventJobFailed, q.cfg.Name, jobFailedPayload{ID: job.ID, Type: job.Type, Error: job.Error})
		} else {
			q.bus.Emit(context.Background(), EventJobStalled, q.cfg.Name, jobAddedPayload{ID: job.ID, Type: job.Type})
		}
	}
	if len(stalled) > 0 {
		q.signalDispatch()
	}
}

func jobToRecord(queueName string, j *Job) persistence.JobRecord {
	rec := persistence.JobRecord{
		ID:          j.ID,
		QueueName:   queueName,
		JobType:     j.Type,
		Data:        j.Data,
		Priority:    int(j.Priority),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.Error,
		ParentID:    j.ParentID,
		CreatedAt:   j.CreatedAt,
	}
	if len(j.Metadata) > 0 {
		if b, err := json.Marshal(j.Metadata); err == nil {
			rec.Metadata = b
		}
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		rec.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		rec.CompletedAt = &t
	}
	if !j.NextRetryAt.IsZero() {
		t := j.NextRetryAt
		rec.NextRetryAt = &t
	}
	return rec
}

func jobFromRecord(rec persistence.JobRecord) *Job {
	j := &Job{
		ID:          rec.ID,
		Type:        rec.JobType,
		Data:        rec.Data,
		Priority:    Priority(rec.Priority),
		Status:      Status(rec.Status),
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Result:      rec.Result,
		Error:       rec.Error,
		ParentID:    rec.ParentID,
		CreatedAt:   rec.CreatedAt,
	}
	if len(rec.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(rec.Metadata, &meta); err == nil {
			j.Metadata = meta
		}
	}
	if rec.StartedAt != nil {
		j.StartedAt = *rec.StartedAt
	}
	if rec.CompletedAt != nil {
		j.CompletedAt = *rec.CompletedAt
	}
	if rec.NextRetryAt != nil {
		j.NextRetryAt = *rec.NextRetryAt
	}
	return j
}
