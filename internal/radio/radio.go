// Package radio abstracts the BLE advertise and scan primitives consumed by
// the beacon coordinator. Asynchronous power changes and discoveries are
// delivered on the Events channel rather than through callbacks.
package radio

import (
	"errors"
	"time"

	"github.com/banshee-data/proximity.report/internal/advert"
	"github.com/banshee-data/proximity.report/internal/overflow"
)

var ErrClosed = errors.New("radio closed")

// EventKind identifies the payload of an Event.
type EventKind int

const (
	EventPower EventKind = iota
	EventDiscovery
)

func (k EventKind) String() string {
	switch k {
	case EventPower:
		return "power"
	case EventDiscovery:
		return "discovery"
	}
	return "unknown"
}

// Discovery is one advertisement heard while scanning. Data holds the raw
// advertising data structures.
type Discovery struct {
	PeerID string
	Data   []byte
	RSSI   int
	At     time.Time
}

// Event is a power change or a discovery.
type Event struct {
	Kind      EventKind
	Powered   bool
	Discovery Discovery
}

// PowerEvent returns a power change event.
func PowerEvent(on bool) Event {
	return Event{Kind: EventPower, Powered: on}
}

// DiscoveryEvent returns a discovery event.
func DiscoveryEvent(d Discovery) Event {
	return Event{Kind: EventDiscovery, Discovery: d}
}

// ScanFilter narrows a scan to manufacturer data from the listed companies.
// An empty list accepts everything.
type ScanFilter struct {
	CompanyIDs      []uint16
	AllowDuplicates bool
}

// DefaultScanFilter matches both the overflow area and iBeacon, repeating
// duplicates so RSSI stays fresh.
func DefaultScanFilter() ScanFilter {
	return ScanFilter{CompanyIDs: []uint16{advert.AppleCompanyID}, AllowDuplicates: true}
}

// Radio is the capability the coordinator drives.
type Radio interface {
	// Advertise broadcasts frame in the overflow area, replacing any
	// previous advertisement.
	Advertise(frame overflow.Frame) error
	StopAdvertise() error
	// AdvertiseForeground broadcasts the native advertisement. Hosts may
	// ignore it while the application is backgrounded.
	AdvertiseForeground(b advert.IBeacon) error
	Scan(filter ScanFilter) error
	StopScan() error
	Powered() bool
	// Events is closed when the radio is closed.
	Events() <-chan Event
	Close() error
}
