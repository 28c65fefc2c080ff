package radio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/serialmux"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Bridge drives a serial BLE bridge dongle through a serialmux. Lines read by
// the mux are translated into Events; commands are written as text lines.
type Bridge struct {
	mux   serialmux.SerialMuxInterface
	clock timeutil.Clock

	subID string
	lines chan string

	powered atomic.Bool

	filterMu sync.Mutex
	filter   ScanFilter

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
}

// NewBridge subscribes to mux and starts translating its lines. The caller
// still owns mux and must run its Monitor loop.
func NewBridge(mux serialmux.SerialMuxInterface, clock timeutil.Clock) *Bridge {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id, lines := mux.Subscribe()
	b := &Bridge{
		mux:      mux,
		clock:    clock,
		subID:    id,
		lines:    lines,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go b.pump()
	return b
}

// NewDisabled returns a Bridge over a mux with no hardware. It is never
// powered and accepts every command.
func NewDisabled() *Bridge {
	return NewBridge(serialmux.NewDisabledSerialMux(), nil)
}

func (b *Bridge) pump() {
	defer close(b.pumpDone)
	defer close(b.events)
	for line := range b.lines {
		b.handleLine(line)
	}
}

func (b *Bridge) handleLine(line string) {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineTypePower:
		on, err := serialmux.ParsePowerLine(line)
		if err != nil {
			monitoring.Logf("bridge: %v", err)
			return
		}
		if b.powered.Swap(on) == on {
			return
		}
		b.send(PowerEvent(on), true)

	case serialmux.LineTypeReceive:
		rx, err := serialmux.ParseReceiveLine(line)
		if err != nil {
			monitoring.Debugf("bridge: %v", err)
			return
		}
		if !b.accepts(rx.Data) {
			return
		}
		b.send(DiscoveryEvent(Discovery{
			PeerID: rx.Address,
			Data:   rx.Data,
			RSSI:   rx.RSSI,
			At:     b.clock.Now(),
		}), false)

	case serialmux.LineTypeError:
		monitoring.Logf("bridge reported error: %s", line)

	case serialmux.LineTypeAck:
		monitoring.Debugf("bridge: %s", line)
	}
}

// send delivers ev. Discoveries are dropped when the consumer is behind;
// power changes wait for it.
func (b *Bridge) send(ev Event, wait bool) {
	if !wait {
		select {
		case b.events <- ev:
		default:
			monitoring.Debugf("bridge: dropped %s event", ev.Kind)
		}
		return
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *Bridge) accepts(raw []byte) bool {
	b.filterMu.Lock()
	companies := b.filter.CompanyIDs
	b.filterMu.Unlock()
	if len(companies) == 0 {
		return true
	}
	structures, _ := advert.Parse(raw)
	for _, id := range companies {
		if len(advert.ManufacturerData(structures, id)) > 0 {
			return true
		}
	}
	return false
}

func (b *Bridge) command(cmd string) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if err := b.mux.SendCommand(cmd); err != nil {
		return fmt.Errorf("bridge command %q: %w", cmd, err)
	}
	return nil
}

func (b *Bridge) Advertise(frame overflow.Frame) error {
	return b.command(serialmux.AdvertiseCommand(advert.WrapOverflowArea(frame)))
}

func (b *Bridge) StopAdvertise() error {
	return b.command(serialmux.CommandAdvertiseOff)
}

func (b *Bridge) AdvertiseForeground(ib advert.IBeacon) error {
	return b.command(serialmux.AdvertiseCommand(advert.EncodeIBeacon(ib)))
}

func (b *Bridge) Scan(filter ScanFilter) error {
	b.filterMu.Lock()
	b.filter = filter
	b.filterMu.Unlock()
	return b.command(serialmux.CommandScanOn)
}

func (b *Bridge) StopScan() error {
	return b.command(serialmux.CommandScanOff)
}

func (b *Bridge) Powered() bool { return b.powered.Load() }

func (b *Bridge) Events() <-chan Event { return b.events }

// Close unsubscribes from the mux and waits for the event channel to close.
// The mux itself is left open.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mux.Unsubscribe(b.subID)
		select {
		case <-b.pumpDone:
		case <-time.After(time.Second):
			monitoring.Logf("bridge: event pump did not stop")
		}
	})
	return nil
}
