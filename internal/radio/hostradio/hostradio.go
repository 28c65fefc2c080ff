// Package hostradio implements radio.Radio on the host's own Bluetooth
// adapter.
package hostradio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/overflow"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

var ErrNotEnabled = errors.New("bluetooth adapter not enabled")

// Radio advertises and scans on a local adapter. The adapter exposes no
// power notifications, so the radio reports powered once Enable succeeds.
type Radio struct {
	adapter *bluetooth.Adapter
	clock   timeutil.Clock

	mu          sync.Mutex
	adv         *bluetooth.Advertisement
	advertising bool
	scanning    bool
	filter      radio.ScanFilter

	powered   atomic.Bool
	events    chan radio.Event
	done      chan struct{}
	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool
}

var _ radio.Radio = (*Radio)(nil)

// New wraps adapter, typically bluetooth.DefaultAdapter.
func New(adapter *bluetooth.Adapter, clock timeutil.Clock) *Radio {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Radio{
		adapter: adapter,
		clock:   clock,
		events:  make(chan radio.Event, 256),
		done:    make(chan struct{}),
	}
}

// Enable powers up the adapter and queues a power event.
func (r *Radio) Enable() error {
	if err := r.adapter.Enable(); err != nil {
		r.setPowered(false)
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	r.mu.Lock()
	r.adv = r.adapter.DefaultAdvertisement()
	r.mu.Unlock()
	r.setPowered(true)
	return nil
}

func (r *Radio) setPowered(on bool) {
	if r.powered.Swap(on) == on {
		return
	}
	r.send(radio.PowerEvent(on), true)
}

func (r *Radio) send(ev radio.Event, wait bool) {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return
	}
	if !wait {
		select {
		case r.events <- ev:
		case <-r.done:
		default:
		}
		return
	}
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Radio) advertise(data bluetooth.ManufacturerDataElement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil {
		return ErrNotEnabled
	}
	if r.advertising {
		if err := r.adv.Stop(); err != nil {
			return fmt.Errorf("stop advertisement: %w", err)
		}
		r.advertising = false
	}
	if err := r.adv.Configure(bluetooth.AdvertisementOptions{
		ManufacturerData: []bluetooth.ManufacturerDataElement{data},
	}); err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := r.adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}
	r.advertising = true
	return nil
}

func (r *Radio) Advertise(frame overflow.Frame) error {
	return r.advertise(bluetooth.ManufacturerDataElement{
		CompanyID: advert.AppleCompanyID,
		Data:      advert.OverflowAreaData(frame),
	})
}

func (r *Radio) AdvertiseForeground(b advert.IBeacon) error {
	return r.advertise(bluetooth.ManufacturerDataElement{
		CompanyID: advert.AppleCompanyID,
		Data:      advert.IBeaconData(b),
	})
}

func (r *Radio) StopAdvertise() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil || !r.advertising {
		return nil
	}
	r.advertising = false
	return r.adv.Stop()
}

func (r *Radio) Scan(filter radio.ScanFilter) error {
	r.mu.Lock()
	if !r.powered.Load() {
		r.mu.Unlock()
		return ErrNotEnabled
	}
	r.filter = filter
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	r.mu.Unlock()

	go func() {
		// Scan blocks until StopScan.
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			r.onResult(result)
		})
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		if err != nil {
			monitoring.Logf("hostradio: scan ended: %v", err)
		}
	}()
	return nil
}

func (r *Radio) onResult(result bluetooth.ScanResult) {
	r.mu.Lock()
	filter := r.filter
	r.mu.Unlock()

	raw, ok := RawAdvertisement(result.ManufacturerData(), filter)
	if !ok {
		return
	}
	r.send(radio.DiscoveryEvent(radio.Discovery{
		PeerID: result.Address.String(),
		Data:   raw,
		RSSI:   int(result.RSSI),
		At:     r.clock.Now(),
	}), false)
}

// RawAdvertisement rebuilds advertising data from the manufacturer data the
// adapter decoded, keeping only companies accepted by filter.
func RawAdvertisement(elements []bluetooth.ManufacturerDataElement, filter radio.ScanFilter) ([]byte, bool) {
	var structures []advert.Structure
	for _, e := range elements {
		if !companyAllowed(filter, e.CompanyID) {
			continue
		}
		structures = append(structures, advert.ManufacturerStructure(e.CompanyID, e.Data))
	}
	if len(structures) == 0 {
		return nil, false
	}
	raw, err := advert.Build(structures...)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func companyAllowed(filter radio.ScanFilter, id uint16) bool {
	if len(filter.CompanyIDs) == 0 {
		return true
	}
	for _, c := range filter.CompanyIDs {
		if c == id {
			return true
		}
	}
	return false
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	scanning := r.scanning
	r.mu.Unlock()
	if !scanning {
		return nil
	}
	return r.adapter.StopScan()
}

func (r *Radio) Powered() bool { return r.powered.Load() }

func (r *Radio) Events() <-chan radio.Event { return r.events }

func (r *Radio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = errors.Join(r.StopScan(), r.StopAdvertise())
		close(r.done)
		r.sendMu.Lock()
		r.closed = true
		close(r.events)
		r.sendMu.Unlock()
	})
	return err
}
