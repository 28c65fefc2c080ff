package beacon

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DetectionKind says which advertisement produced a detection.
type DetectionKind int

const (
	NativeProtocol DetectionKind = iota
	OverflowFrame
)

func (k DetectionKind) String() string {
	switch k {
	case NativeProtocol:
		return "iBeacon"
	case OverflowFrame:
		return "OverflowArea"
	}
	return "unknown"
}

func (k DetectionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DetectionKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "iBeacon":
		*k = NativeProtocol
	case "OverflowArea":
		*k = OverflowFrame
	default:
		return fmt.Errorf("unknown detection kind %q", b)
	}
	return nil
}

// DetectionEvent is one accepted detection of a peer beacon.
type DetectionEvent struct {
	Kind        DetectionKind `json:"kind"`
	Major       uint16        `json:"major"`
	Minor       uint16        `json:"minor"`
	RSSI        int           `json:"rssi"`
	ProximityID uuid.NullUUID `json:"proximity_id"`
	// Distance in metres, estimated for native detections only.
	Distance *float64  `json:"distance,omitempty"`
	PeerID   string    `json:"peer_id"`
	Slot     int       `json:"slot"`
	At       time.Time `json:"at"`
}

// Sink receives coordinator output. Methods are called without the
// coordinator lock held but must not block for long.
type Sink interface {
	Detected(DetectionEvent)
	WarningRaised(Warning)
	WarningCleared(Warning)
}

// SinkFuncs adapts functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	OnDetected       func(DetectionEvent)
	OnWarningRaised  func(Warning)
	OnWarningCleared func(Warning)
}

func (s SinkFuncs) Detected(ev DetectionEvent) {
	if s.OnDetected != nil {
		s.OnDetected(ev)
	}
}

func (s SinkFuncs) WarningRaised(w Warning) {
	if s.OnWarningRaised != nil {
		s.OnWarningRaised(w)
	}
}

func (s SinkFuncs) WarningCleared(w Warning) {
	if s.OnWarningCleared != nil {
		s.OnWarningCleared(w)
	}
}

type multiSink []Sink

// MultiSink delivers to each sink in order.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Detected(ev DetectionEvent) {
	for _, s := range m {
		s.Detected(ev)
	}
}

func (m multiSink) WarningRaised(w Warning) {
	for _, s := range m {
		s.WarningRaised(w)
	}
}

func (m multiSink) WarningCleared(w Warning) {
	for _, s := range m {
		s.WarningCleared(w)
	}
}
