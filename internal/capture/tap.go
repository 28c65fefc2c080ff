package capture

import (
	"sync"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/radio"
)

// Tap wraps a radio and records every discovery it delivers. All other
// calls pass through.
type Tap struct {
	radio.Radio
	rec    *Recorder
	events chan radio.Event
	wg     sync.WaitGroup
}

var _ radio.Radio = (*Tap)(nil)

// NewTap starts forwarding r's events. The returned Tap owns r.
func NewTap(r radio.Radio, rec *Recorder) *Tap {
	t := &Tap{Radio: r, rec: rec, events: make(chan radio.Event, 64)}
	t.wg.Add(1)
	go t.forward()
	return t
}

func (t *Tap) forward() {
	defer t.wg.Done()
	defer close(t.events)
	for ev := range t.Radio.Events() {
		if ev.Kind == radio.EventDiscovery {
			if err := t.rec.Record(ev.Discovery); err != nil {
				monitoring.Logf("[capture] %v", err)
			}
		}
		t.events <- ev
	}
}

func (t *Tap) Events() <-chan radio.Event { return t.events }

// Close closes the wrapped radio and waits for pending events to drain.
func (t *Tap) Close() error {
	err := t.Radio.Close()
	go func() {
		for range t.events {
		}
	}()
	t.wg.Wait()
	return err
}
