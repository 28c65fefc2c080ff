package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// dtrPulse is how long DTR is held low to reset the dongle.
const dtrPulse = 50 * time.Millisecond

// NewRealSerialMux opens the bridge dongle at path.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open bridge %s: %w", path, err)
	}
	if err := configurePort(port, opts); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure bridge %s: %w", path, err)
	}
	return NewSerialMux[serial.Port](port), nil
}

func configurePort(port serial.Port, opts PortOptions) error {
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			return err
		}
	}
	if !opts.ResetOnOpen {
		return nil
	}
	if err := port.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(dtrPulse)
	if err := port.SetDTR(true); err != nil {
		return err
	}
	return port.ResetInputBuffer()
}
