package beacon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Keepalive defaults.
const (
	DefaultKeepalivePoll  = time.Second
	DefaultNudgeInterval  = 30 * time.Second
	DefaultRemainingLog   = 2 * time.Second
	suspendWarnThreshold  = 10 * time.Second
	unlimitedBackgroundAt = 200000 * time.Second
)

// TaskHandle identifies a background task granted by the host.
type TaskHandle int

// InvalidTask is returned when the host refuses a task.
const InvalidTask TaskHandle = -1

// BackgroundHost grants extra execution time while backgrounded. The host
// may expire a task at any time by calling onExpire.
type BackgroundHost interface {
	BeginTask(name string, onExpire func()) TaskHandle
	EndTask(TaskHandle)
	BackgroundTimeRemaining() time.Duration
}

// Nudger wakes the host screen and radio, typically with a low priority
// local notification.
type Nudger interface {
	Nudge(ctx context.Context) error
}

// Keepalive holds a background task open and periodically nudges the
// host. Only one loop runs at a time.
type Keepalive struct {
	host   BackgroundHost
	nudger Nudger
	clock  timeutil.Clock

	PollInterval  time.Duration
	NudgeInterval time.Duration
	LogInterval   time.Duration

	started    atomic.Bool
	shouldExit atomic.Bool

	mu     sync.Mutex
	handle TaskHandle
	wake   chan struct{}
	done   chan struct{}
	nudges int
}

// NewKeepalive returns a stopped Keepalive. nudger may be nil.
func NewKeepalive(host BackgroundHost, nudger Nudger, clock timeutil.Clock) *Keepalive {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Keepalive{
		host:          host,
		nudger:        nudger,
		clock:         clock,
		PollInterval:  DefaultKeepalivePoll,
		NudgeInterval: DefaultNudgeInterval,
		LogInterval:   DefaultRemainingLog,
		handle:        InvalidTask,
	}
}

// Start begins the loop and reports whether it was started. It returns
// false while a previous loop is still running.
func (k *Keepalive) Start() bool {
	if !k.started.CompareAndSwap(false, true) {
		return false
	}
	k.shouldExit.Store(false)

	k.mu.Lock()
	k.wake = make(chan struct{})
	k.done = make(chan struct{})
	wake, done := k.wake, k.done
	k.mu.Unlock()

	monitoring.Logf("Attempting to extend background running time")
	handle := k.host.BeginTask("keepalive", k.expire)
	k.mu.Lock()
	k.handle = handle
	k.mu.Unlock()
	// the host may expire the task before BeginTask returns
	if k.shouldExit.Load() {
		k.endTask()
	}

	ticker := k.clock.NewTicker(k.PollInterval)
	go k.loop(ticker, k.clock.Now(), wake, done)
	return true
}

// Stop asks the loop to exit and waits for it.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	done := k.done
	k.mu.Unlock()
	if done == nil {
		return
	}
	k.signalExit()
	<-done
	k.endTask()
}

// Running reports whether a loop is active.
func (k *Keepalive) Running() bool { return k.started.Load() }

// Nudges returns how many nudges were sent.
func (k *Keepalive) Nudges() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nudges
}

func (k *Keepalive) expire() {
	monitoring.Logf("Background task expired by host")
	k.endTask()
	k.signalExit()
}

func (k *Keepalive) endTask() {
	k.mu.Lock()
	h := k.handle
	k.handle = InvalidTask
	k.mu.Unlock()
	if h != InvalidTask {
		k.host.EndTask(h)
	}
}

func (k *Keepalive) signalExit() {
	if k.shouldExit.Swap(true) {
		return
	}
	k.mu.Lock()
	if k.wake != nil {
		close(k.wake)
	}
	k.mu.Unlock()
}

func (k *Keepalive) loop(ticker timeutil.Ticker, since time.Time, wake, done chan struct{}) {
	defer func() {
		monitoring.Logf("keepalive: exiting background loop")
		k.started.Store(false)
		close(done)
	}()
	monitoring.Logf("keepalive: started background loop")

	defer ticker.Stop()

	lastNudge, lastLog := since, time.Time{}
	for !k.shouldExit.Load() {
		select {
		case <-wake:
			return
		case <-ticker.C():
			now := k.clock.Now()
			if now.Sub(lastNudge) >= k.NudgeInterval {
				lastNudge = now
				k.nudge()
			}
			if now.Sub(lastLog) >= k.LogInterval {
				lastLog = now
				remaining := k.host.BackgroundTimeRemaining()
				if remaining < suspendWarnThreshold {
					monitoring.Logf("keepalive: about to suspend, background time running out")
				}
				if remaining < unlimitedBackgroundAt {
					monitoring.Debugf("keepalive: background time remaining %s", remaining)
				}
			}
		}
	}
}

func (k *Keepalive) nudge() {
	k.mu.Lock()
	k.nudges++
	k.mu.Unlock()
	if k.nudger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.PollInterval)
	defer cancel()
	if err := k.nudger.Nudge(ctx); err != nil {
		monitoring.Logf("keepalive: nudge failed: %v", err)
	}
}

// ProcessHost is the BackgroundHost of a daemon, which is never suspended.
type ProcessHost struct {
	mu   sync.Mutex
	next TaskHandle
	open map[TaskHandle]func()
}

func (h *ProcessHost) BeginTask(name string, onExpire func()) TaskHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open == nil {
		h.open = make(map[TaskHandle]func())
	}
	h.next++
	h.open[h.next] = onExpire
	monitoring.Debugf("background task %q began as %d", name, h.next)
	return h.next
}

func (h *ProcessHost) EndTask(t TaskHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.open, t)
}

// OpenTasks returns the number of tasks not yet ended.
func (h *ProcessHost) OpenTasks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.open)
}

func (h *ProcessHost) BackgroundTimeRemaining() time.Duration {
	return time.Duration(1<<63 - 1)
}

// LogNudger writes the nudge to the log.
type LogNudger struct{}

func (LogNudger) Nudge(context.Context) error {
	monitoring.Logf("Scanning OverflowArea beacons")
	return nil
}
