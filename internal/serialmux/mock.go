package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MockSerialPort simulates a bridge dongle: it is always powered, answers
// commands and, while scanning, reports hearing one peer every interval.
type MockSerialPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	// out is drained into the pipe by a single goroutine so Write never
	// waits for the reader.
	out  chan []byte
	done chan struct{}
	once sync.Once

	scanning atomic.Bool
}

func newMockSerialPort(line []byte, interval time.Duration) *MockSerialPort {
	r, w := io.Pipe()
	m := &MockSerialPort{
		r:    r,
		w:    w,
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go m.run(line, interval)
	return m
}

func (m *MockSerialPort) run(line []byte, interval time.Duration) {
	defer m.w.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var b []byte
		select {
		case <-m.done:
			return
		case b = <-m.out:
		case <-ticker.C:
			if !m.scanning.Load() {
				continue
			}
			b = line
		}
		if _, err := m.w.Write(b); err != nil {
			return
		}
	}
}

func (m *MockSerialPort) reply(line string) {
	select {
	case m.out <- []byte(line + "\n"):
	default:
	}
}

func (m *MockSerialPort) Read(p []byte) (int, error) { return m.r.Read(p) }

// Write interprets each command line the way the bridge firmware does.
func (m *MockSerialPort) Write(p []byte) (int, error) {
	select {
	case <-m.done:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, cmd := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		switch strings.TrimSpace(cmd) {
		case CommandPowerQuery:
			m.reply("PWR ON")
		case CommandScanOn:
			m.scanning.Store(true)
			m.reply("OK")
		case CommandScanOff:
			m.scanning.Store(false)
			m.reply("OK")
		default:
			m.reply("OK")
		}
	}
	return len(p), nil
}

func (m *MockSerialPort) Close() error {
	m.once.Do(func() { close(m.done) })
	return m.r.Close()
}

// NewMockSerialMux returns a mux over a simulated bridge that reports power
// on when asked and repeats mockLine every interval while scanning.
func NewMockSerialMux(mockLine []byte, interval time.Duration) *SerialMux[*MockSerialPort] {
	return NewSerialMux(newMockSerialPort(mockLine, interval))
}

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory port for tests. Reads drain whatever
// AddReadData queued and then report io.EOF, unless BlockReads is set, in
// which case they wait for more data or Close.
type TestableSerialPort struct {
	mu      sync.Mutex
	wake    *sync.Cond
	inbound bytes.Buffer
	written bytes.Buffer

	BlockReads bool
	// WriteError fails the next Write and is then cleared.
	WriteError error
	Closed     bool
}

func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.wake = sync.NewCond(&t.mu)
	return t
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.BlockReads && !t.Closed && t.inbound.Len() == 0 {
		t.wake.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.inbound.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	if err := t.WriteError; err != nil {
		t.WriteError = nil
		return 0, err
	}
	return t.written.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	t.Closed = true
	t.mu.Unlock()
	t.wake.Broadcast()
	return nil
}

// AddReadData queues bytes for Read, as if the bridge had sent them.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	t.inbound.Write(data)
	t.mu.Unlock()
	t.wake.Broadcast()
}

// GetWrittenData returns everything written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.written.Bytes())
}
