package serialmux

import "io"

// SerialPorter is what the mux needs from the bridge connection: a line
// oriented byte stream it can close. go.bug.st/serial ports, the mock port
// and in-memory test ports all satisfy it.
type SerialPorter interface {
	io.ReadWriteCloser
}
