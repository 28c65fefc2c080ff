package beacon

import "fmt"

// Mode summarises State.
type Mode int

const (
	ModeUninitialized Mode = iota
	ModeIdle
	ModeScanningOnly
	ModeTransmittingBackground
	ModeTransmittingForeground
)

func (m Mode) String() string {
	switch m {
	case ModeUninitialized:
		return "uninitialized"
	case ModeIdle:
		return "idle"
	case ModeScanningOnly:
		return "scanning"
	case ModeTransmittingBackground:
		return "transmitting-background"
	case ModeTransmittingForeground:
		return "transmitting-foreground"
	}
	return "unknown"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	for c := ModeUninitialized; c <= ModeTransmittingForeground; c++ {
		if c.String() == string(b) {
			*m = c
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

// State is a copy of the coordinator's flags.
type State struct {
	TxEnabled   bool `json:"tx_enabled"`
	TxStarted   bool `json:"tx_started"`
	ScanEnabled bool `json:"scan_enabled"`
	ScanStarted bool `json:"scan_started"`
	Active      bool `json:"active"`
	Initialized bool `json:"initialized"`
	Powered     bool `json:"powered"`
	Configured  bool `json:"configured"`
	Rotating    bool `json:"rotating"`
	Slot        int  `json:"slot"`
	Mode        Mode `json:"mode"`
}

func (s State) mode() Mode {
	switch {
	case !s.Initialized:
		return ModeUninitialized
	case s.TxStarted && s.Active:
		return ModeTransmittingForeground
	case s.TxStarted:
		return ModeTransmittingBackground
	case s.ScanStarted:
		return ModeScanningOnly
	}
	return ModeIdle
}
