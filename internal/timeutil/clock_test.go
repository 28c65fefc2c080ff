package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fired(ch <-chan time.Time) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestRealClock(t *testing.T) {
	var clock Clock = RealClock{}

	done := make(chan struct{})
	clock.AfterFunc(5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc callback did not run")
	}

	stopped := clock.AfterFunc(time.Hour, func() { t.Error("stopped callback ran") })
	assert.True(t, stopped.Stop())

	ticker := clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestMockClock_TimerFiresAtDeadline(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(5 * time.Minute)
	require.Equal(t, 1, clock.PendingTimers())

	clock.Advance(4 * time.Minute)
	assert.False(t, fired(timer.C()))

	clock.Advance(time.Minute)
	assert.True(t, fired(timer.C()))
	assert.Equal(t, epoch.Add(5*time.Minute), clock.Now())
	assert.Zero(t, clock.PendingTimers())
	assert.False(t, timer.Stop(), "a fired timer is no longer pending")
}

func TestMockClock_AfterFuncRunsOnce(t *testing.T) {
	clock := NewMockClock(epoch)
	calls := 0
	timer := clock.AfterFunc(100*time.Millisecond, func() { calls++ })
	assert.Nil(t, timer.C())

	clock.Advance(99 * time.Millisecond)
	assert.Zero(t, calls)
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, calls)
	clock.Advance(time.Second)
	assert.Equal(t, 1, calls)
}

func TestMockClock_StoppedTimer(t *testing.T) {
	clock := NewMockClock(epoch)
	calls := 0
	timer := clock.AfterFunc(time.Second, func() { calls++ })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	clock.Advance(time.Minute)
	assert.Zero(t, calls)
	assert.Zero(t, clock.PendingTimers())
}

func TestMockClock_Ticker(t *testing.T) {
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(time.Minute)
	assert.Zero(t, clock.PendingTimers(), "tickers are not timers")

	assert.False(t, fired(ticker.C()))
	clock.Advance(time.Minute)
	assert.True(t, fired(ticker.C()))
	clock.Advance(30 * time.Second)
	assert.False(t, fired(ticker.C()))
	clock.Advance(30 * time.Second)
	assert.True(t, fired(ticker.C()))

	// several skipped periods collapse into one tick
	clock.Advance(10 * time.Minute)
	assert.True(t, fired(ticker.C()))
	assert.False(t, fired(ticker.C()))

	ticker.Stop()
	clock.Advance(time.Hour)
	assert.False(t, fired(ticker.C()))
}

func TestMockClock_CallbackMaySchedule(t *testing.T) {
	clock := NewMockClock(epoch)
	var second Timer
	clock.AfterFunc(time.Second, func() {
		second = clock.NewTimer(time.Second)
	})

	clock.Advance(time.Second)
	require.NotNil(t, second)
	assert.Equal(t, 1, clock.PendingTimers())
	clock.Advance(time.Second)
	assert.True(t, fired(second.C()))
}
