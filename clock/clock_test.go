package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresDueWaitersInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var fired []string
	first := f.After(10 * time.Millisecond)
	second := f.After(20 * time.Millisecond)

	go func() {
		<-first
		fired = append(fired, "first")
		<-second
		fired = append(fired, "second")
	}()

	f.Advance(10 * time.Millisecond)
	time.Sleep(time.Millisecond)
	f.Advance(10 * time.Millisecond)
	time.Sleep(time.Millisecond)

	assert.Equal(t, []string{"first", "second"}, fired)
}

func TestFakeTimerStopPreventsFire(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(10 * time.Millisecond)

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	f.Advance(time.Hour)

	select {
	case <-timer.C():
		t.Fatal("stopped timer must not fire")
	default:
	}
}

func TestFakeNowAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())
	f.Advance(24 * time.Hour)
	assert.Equal(t, start.AddDate(0, 0, 1), f.Now())
}
