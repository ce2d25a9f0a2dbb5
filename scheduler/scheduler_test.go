package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokeagent/tradeflow/clock"
)

func newTestScheduler(t *testing.T, fake *clock.Fake) *Scheduler {
	t.Helper()
	s, err := New(DefaultConfig(), WithClock(fake))
	require.NoError(t, err)
	return s
}

func TestSchedulerRegisterAppliesDefaultRetryOnFail(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.DefaultRetryOnFail = true
	s, err := New(cfg, WithClock(fake))
	require.NoError(t, err)

	id, err := s.Register(RegisterSpec{
		Name:    "uses-default",
		Trigger: EventTrigger("go"),
	})
	require.NoError(t, err)

	wf, ok := s.GetSchedule(id)
	require.True(t, ok)
	assert.True(t, wf.RetryOnFail, "unset RetryOnFail must fall back to Config.DefaultRetryOnFail")

	explicit := false
	id2, err := s.Register(RegisterSpec{
		Name:        "explicit-false",
		Trigger:     EventTrigger("go2"),
		RetryOnFail: &explicit,
	})
	require.NoError(t, err)
	wf2, ok := s.GetSchedule(id2)
	require.True(t, ok)
	assert.False(t, wf2.RetryOnFail, "explicit false must override Config.DefaultRetryOnFail")
}

func TestSchedulerPerScheduleConcurrencyCap(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := newTestScheduler(t, fake)

	var calls int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	s.SetWorkflowRunner(func(ctx context.Context, req []byte) (RunResult, error) {
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-release
		return RunResult{WorkflowID: "wf-1"}, nil
	})

	id, err := s.Register(RegisterSpec{
		Name:          "t",
		Trigger:       EventTrigger("t"),
		Enabled:       true,
		MaxConcurrent: 1,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.TriggerEvent(context.Background(), "t", nil)
	<-started
	s.TriggerEvent(context.Background(), "t", nil)

	// Give the second (gated) attempt a moment to resolve as a no-op.
	time.Sleep(20 * time.Millisecond)
	close(release)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	_ = id
}

func TestSchedulerEventNoMatch(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := newTestScheduler(t, fake)

	var calls int32
	s.SetWorkflowRunner(func(ctx context.Context, req []byte) (RunResult, error) {
		atomic.AddInt32(&calls, 1)
		return RunResult{}, nil
	})

	_, err := s.Register(RegisterSpec{
		Name:    "a-subscriber",
		Trigger: EventTrigger("a"),
		Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.TriggerEvent(context.Background(), "b", nil)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSchedulerDisableEnableRoundTrip(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := newTestScheduler(t, fake)

	id, err := s.Register(RegisterSpec{
		Name:    "roundtrip",
		Trigger: EventTrigger("x"),
		Enabled: true,
	})
	require.NoError(t, err)

	require.True(t, s.Disable(id))
	require.True(t, s.Enable(id))

	wf, ok := s.GetSchedule(id)
	require.True(t, ok)
	assert.True(t, wf.Enabled)
}

func TestSchedulerRetryOnFailArmsDelayedRetry(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := newTestScheduler(t, fake)

	var mu sync.Mutex
	var calls int
	s.SetWorkflowRunner(func(ctx context.Context, req []byte) (RunResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return RunResult{}, assertError("first attempt fails")
		}
		return RunResult{WorkflowID: "wf-2"}, nil
	})

	retryOnFail := true
	id, err := s.Register(RegisterSpec{
		Name:        "retrying",
		Trigger:     EventTrigger("go"),
		Enabled:     true,
		RetryOnFail: &retryOnFail,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.TriggerEvent(context.Background(), "go", nil)
	time.Sleep(10 * time.Millisecond)

	fake.Advance(60 * time.Second)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	_ = id
}

type assertError string

func (e assertError) Error() string { return string(e) }
