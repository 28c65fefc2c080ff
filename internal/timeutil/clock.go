// Package timeutil lets the beacon loops run against a fake clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of package time the daemon schedules work with.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	// AfterFunc calls f once d has elapsed. The returned Timer has a nil C.
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

type Timer interface {
	C() <-chan time.Time
	// Stop reports whether the timer was still pending.
	Stop() bool
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer { return wallTimer{time.NewTimer(d)} }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return wallTimer{time.AfterFunc(d, f)}
}

func (RealClock) NewTicker(d time.Duration) Ticker { return wallTicker{time.NewTicker(d)} }

type wallTimer struct{ t *time.Timer }

func (w wallTimer) C() <-chan time.Time { return w.t.C }
func (w wallTimer) Stop() bool          { return w.t.Stop() }

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// MockClock only moves when Advance is called. Timers and tickers that come
// due are fired by Advance, and AfterFunc callbacks run on its goroutine.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*wakeup
}

func NewMockClock(now time.Time) *MockClock {
	return &MockClock{now: now}
}

// wakeup is one scheduled timer or ticker. every is zero for timers.
type wakeup struct {
	clock *MockClock
	at    time.Time
	every time.Duration
	ch    chan time.Time
	fn    func()
	done  bool
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) schedule(d, every time.Duration, fn func()) *wakeup {
	w := &wakeup{clock: c, every: every, fn: fn}
	if fn == nil {
		w.ch = make(chan time.Time, 1)
	}
	c.mu.Lock()
	w.at = c.now.Add(d)
	c.pending = append(c.pending, w)
	c.mu.Unlock()
	return w
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return mockTimer{c.schedule(d, 0, nil)}
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	return mockTimer{c.schedule(d, 0, f)}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive ticker interval")
	}
	return mockTicker{c.schedule(d, d, nil)}
}

// Advance moves the clock forward by d. Anything due fires once, so a ticker
// skipped over several periods delivers a single tick.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*wakeup
	live := c.pending[:0]
	for _, w := range c.pending {
		if w.done {
			continue
		}
		if !now.Before(w.at) {
			due = append(due, w)
			if w.every > 0 {
				w.at = now.Add(w.every)
			} else {
				w.done = true
			}
		}
		if !w.done {
			live = append(live, w)
		}
	}
	c.pending = live
	c.mu.Unlock()

	for _, w := range due {
		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
	}
}

// PendingTimers counts one-shot timers that have neither fired nor been
// stopped. Tickers are not included.
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.pending {
		if !w.done && w.every == 0 {
			n++
		}
	}
	return n
}

func (w *wakeup) stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	active := !w.done
	w.done = true
	return active
}

type mockTimer struct{ w *wakeup }

func (m mockTimer) C() <-chan time.Time { return m.w.ch }
func (m mockTimer) Stop() bool          { return m.w.stop() }

type mockTicker struct{ w *wakeup }

func (m mockTicker) C() <-chan time.Time { return m.w.ch }
func (m mockTicker) Stop()               { m.w.stop() }
