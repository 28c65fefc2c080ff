package beacon

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/monitoring"
)

// NotificationKind tags a Notification.
type NotificationKind string

const (
	NotifyDetected       NotificationKind = "detected"
	NotifyWarningRaised  NotificationKind = "warning_raised"
	NotifyWarningCleared NotificationKind = "warning_cleared"
)

// Notification is one Sink call as seen by a Bus subscriber.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Detection *DetectionEvent  `json:"detection,omitempty"`
	Warning   Warning          `json:"warning,omitempty"`
	At        time.Time        `json:"at"`
}

const busBuffer = 64

// Bus is a Sink that fans notifications out to any number of subscribers.
// A subscriber that falls behind misses notifications rather than
// stalling the coordinator.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]chan Notification
	closed      bool
	now         func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Notification),
		now:         time.Now,
	}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns an id for Unsubscribe and the notification channel.
func (b *Bus) Subscribe() (string, <-chan Notification) {
	id := randomID()
	ch := make(chan Notification, busBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *Bus) publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			monitoring.Debugf("bus: subscriber %s is behind, dropped %s", id, n.Kind)
		}
	}
}

func (b *Bus) Detected(ev DetectionEvent) {
	b.publish(Notification{Kind: NotifyDetected, Detection: &ev, At: ev.At})
}

func (b *Bus) WarningRaised(w Warning) {
	b.publish(Notification{Kind: NotifyWarningRaised, Warning: w, At: b.now()})
}

func (b *Bus) WarningCleared(w Warning) {
	b.publish(Notification{Kind: NotifyWarningCleared, Warning: w, At: b.now()})
}
