package radio

import (
	"sync"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/overflow"
)

// Operations recorded by Fake.
const (
	OpAdvertise           = "advertise"
	OpStopAdvertise       = "stop-advertise"
	OpAdvertiseForeground = "advertise-foreground"
	OpScan                = "scan"
	OpStopScan            = "stop-scan"
)

// Call is one recorded Fake operation.
type Call struct {
	Op      string
	Frame   overflow.Frame
	IBeacon advert.IBeacon
	Filter  ScanFilter
}

// Fake is an in-memory Radio that records every call and lets tests and
// the capture replayer inject events.
type Fake struct {
	mu      sync.Mutex
	powered bool
	calls   []Call
	errs    map[string]error
	events  chan Event
	closed  bool
}

// NewFake returns a Fake with the given initial power state.
func NewFake(powered bool) *Fake {
	return &Fake{
		powered: powered,
		errs:    make(map[string]error),
		events:  make(chan Event, 256),
	}
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.calls = append(f.calls, c)
	if err, ok := f.errs[c.Op]; ok {
		delete(f.errs, c.Op)
		return err
	}
	return nil
}

func (f *Fake) Advertise(frame overflow.Frame) error {
	return f.record(Call{Op: OpAdvertise, Frame: frame})
}

func (f *Fake) StopAdvertise() error {
	return f.record(Call{Op: OpStopAdvertise})
}

func (f *Fake) AdvertiseForeground(b advert.IBeacon) error {
	return f.record(Call{Op: OpAdvertiseForeground, IBeacon: b})
}

func (f *Fake) Scan(filter ScanFilter) error {
	return f.record(Call{Op: OpScan, Filter: filter})
}

func (f *Fake) StopScan() error {
	return f.record(Call{Op: OpStopScan})
}

func (f *Fake) Powered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powered
}

func (f *Fake) Events() <-chan Event { return f.events }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}

// SetPowered changes the power state and queues a power event.
func (f *Fake) SetPowered(on bool) {
	f.mu.Lock()
	f.powered = on
	f.mu.Unlock()
	f.emit(PowerEvent(on))
}

// Inject queues a discovery event.
func (f *Fake) Inject(d Discovery) {
	f.emit(DiscoveryEvent(d))
}

func (f *Fake) emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Ops returns the recorded operation names in order.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.calls))
	for i, c := range f.calls {
		ops[i] = c.Op
	}
	return ops
}

// ResetCalls forgets recorded calls.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
