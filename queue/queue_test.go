package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokeagent/tradeflow/clock"
)

func newTestQueue(t *testing.T, fake *clock.Fake, cfg Config) *Queue {
	t.Helper()
	q, err := New(cfg, WithClock(fake))
	require.NoError(t, err)
	return q
}

// drainWithAdvance repeatedly advances the fake clock in small steps while
// waiting for the queue to go idle, so backoff timers actually fire.
func drainWithAdvance(t *testing.T, q *Queue, fake *clock.Fake, step time.Duration, max time.Duration) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var elapsed time.Duration
	for elapsed < max {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err := q.Drain(ctx)
		cancel()
		if err == nil {
			return
		}
		fake.Advance(step)
		elapsed += step
		if time.Now().After(deadline) {
			t.Fatal("drainWithAdvance: real deadline exceeded, queue likely deadlocked")
		}
	}
	t.Fatal("drainWithAdvance: queue never drained within max")
}

func TestQueuePriorityOrdering(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("priority")
	cfg.Concurrency = 1
	q := newTestQueue(t, fake, cfg)

	var mu sync.Mutex
	var order []string
	q.Register("record", func(job *Job) ([]byte, error) {
		mu.Lock()
		order = append(order, string(job.Data))
		mu.Unlock()
		return nil, nil
	})

	q.Add("record", []byte("low"), AddOptions{Priority: PriorityLow})
	q.Add("record", []byte("high"), AddOptions{Priority: PriorityHigh})
	q.Add("record", []byte("critical"), AddOptions{Priority: PriorityCritical})
	q.Add("record", []byte("normal"), AddOptions{Priority: PriorityNormal})

	q.Start()
	defer q.Stop()

	drainWithAdvance(t, q, fake, time.Millisecond, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestQueueRetryWithExponentialBackoff(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("retry")
	cfg.Concurrency = 1
	q := newTestQueue(t, fake, cfg)

	var mu sync.Mutex
	var attempts int
	q.Register("flaky", func(job *Job) ([]byte, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("transient failure")
		}
		return []byte("ok"), nil
	})

	q.Add("flaky", nil, AddOptions{MaxAttempts: 3})
	q.Start()
	defer q.Stop()

	drainWithAdvance(t, q, fake, 500*time.Millisecond, 10*time.Second)

	jobs := q.GetJobs(StatusCompleted)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].Attempts)
}

func TestQueueMaxAttemptsFailure(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("fail")
	cfg.Concurrency = 1
	q := newTestQueue(t, fake, cfg)

	q.Register("always-fails", func(job *Job) ([]byte, error) {
		return nil, errors.New("boom")
	})

	var failedCount int
	var mu sync.Mutex
	q.Bus().On(EventJobFailed, func(ctx context.Context, e cloudevents.Event) {
		mu.Lock()
		defer mu.Unlock()
		failedCount++
	})

	added := q.Add("always-fails", nil, AddOptions{MaxAttempts: 2})
	q.Start()
	defer q.Stop()

	drainWithAdvance(t, q, fake, 500*time.Millisecond, 10*time.Second)

	job, ok := q.GetJob(added.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.Error, "boom")

	mu.Lock()
	assert.Equal(t, 1, failedCount)
	mu.Unlock()
}

func TestQueueCancelOnlyAffectsPending(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("cancel")
	cfg.Concurrency = 1
	q := newTestQueue(t, fake, cfg)

	job := q.Add("noop", nil, AddOptions{})
	assert.True(t, q.Cancel(job.ID))
	assert.False(t, q.Cancel(job.ID))

	got, ok := q.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestQueueRetryOnlyAffectsFailed(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("retryop")
	cfg.Concurrency = 1
	q := newTestQueue(t, fake, cfg)

	job := q.Add("noop", nil, AddOptions{})
	assert.False(t, q.Retry(job.ID))
}

func TestQueueTerminalRetentionEvictsOldestCompletedJobs(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("retention")
	cfg.Concurrency = 1
	cfg.TerminalRetention = 2
	q := newTestQueue(t, fake, cfg)

	q.Register("noop", func(job *Job) ([]byte, error) { return nil, nil })

	first := q.Add("noop", []byte("1"), AddOptions{})
	q.Start()
	defer q.Stop()
	drainWithAdvance(t, q, fake, time.Millisecond, time.Second)

	q.Add("noop", []byte("2"), AddOptions{})
	drainWithAdvance(t, q, fake, time.Millisecond, time.Second)
	q.Add("noop", []byte("3"), AddOptions{})
	drainWithAdvance(t, q, fake, time.Millisecond, time.Second)

	stats := q.GetStats()
	assert.Equal(t, 2, stats.Retained, "retention cache must stay bounded at its configured size")
	assert.LessOrEqual(t, stats.Completed, 2, "the oldest-touched completed job must have been evicted from memory")

	_, ok := q.GetJob(first.ID)
	assert.False(t, ok, "the least-recently-touched terminal job should be evicted once capacity is exceeded")
}

func TestQueueMetadataSurvivesPersistenceRoundTrip(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("metadata")
	cfg.Persistent = true
	q := newTestQueue(t, fake, cfg)

	job := q.Add("noop", nil, AddOptions{Metadata: map[string]any{"tenant": "acme", "retries": float64(2)}})

	rows, err := q.gateway.SelectJobs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].Metadata, "metadata must be marshaled onto the persisted record")

	rehydrated := jobFromRecord(rows[0])
	assert.Equal(t, job.Metadata, rehydrated.Metadata, "metadata must survive a marshal/unmarshal round trip")
}

func TestQueueStallDetectionRequeues(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig("stall")
	cfg.Concurrency = 1
	cfg.StallInterval = 10 * time.Millisecond
	cfg.StallTimeout = 50 * time.Millisecond
	q := newTestQueue(t, fake, cfg)

	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	q.Register("hangs", func(job *Job) ([]byte, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-release // first attempt never returns until the test releases it
			return []byte("late"), nil
		}
		return []byte("ok"), nil
	})

	q.Add("hangs", nil, AddOptions{MaxAttempts: 2})
	q.Start()
	defer func() {
		close(release)
		q.Stop()
	}()

	for i := 0; i < 20; i++ {
		fake.Advance(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	jobs := q.GetJobs("")
	require.Len(t, jobs, 1)
	assert.GreaterOrEqual(t, jobs[0].Attempts, 2)
}
