// Package serialmux multiplexes the line protocol of a BLE bridge dongle:
// one reader fans every line out to subscribers while commands from any
// goroutine are serialised onto the port.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/proximity.report/internal/httputil"
	"github.com/banshee-data/proximity.report/internal/monitoring"
)

var (
	ErrWriteFailed    = errors.New("short write to bridge")
	ErrInvalidCommand = errors.New("bridge commands are a single line")
)

// subscriberBuffer absorbs short bursts of scan results while a subscriber
// is busy.
const subscriberBuffer = 64

var consoleTemplate = template.Must(template.New("console").Parse(consoleHTML))

// Stats counts lines read from the bridge by type.
type Stats struct {
	Lines   map[string]uint64 `json:"lines"`
	Dropped uint64            `json:"dropped"`
}

// SerialMux fans lines from a bridge port out to subscribers.
type SerialMux[T SerialPorter] struct {
	port T

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	commandMu sync.Mutex
	closing   atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

// SerialMuxInterface is implemented by the real, mock and disabled muxes.
type SerialMuxInterface interface {
	// Subscribe returns an id and a channel receiving every line read from
	// the bridge. The channel is closed by Unsubscribe or Close.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one command line.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port reaches EOF.
	Monitor(context.Context) error
	Close() error
	// Initialize puts the bridge into a known state.
	Initialize() error
	// AttachAdminRoutes serves a console under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		stats:       Stats{Lines: make(map[string]uint64)},
	}
}

// randomID returns 8 random bytes, hex encoded.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	s.subscribers[id] = ch
	s.subscriberMu.Unlock()
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize disables command echo, stops any advertising or scanning left
// over from a previous session and asks the bridge for its power state.
func (s *SerialMux[T]) Initialize() error {
	for _, command := range []string{
		CommandEchoOff,
		CommandAdvertiseOff,
		CommandScanOff,
		CommandPowerQuery,
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes command followed by a newline. A trailing newline in
// command is accepted; embedded ones are rejected.
func (s *SerialMux[T]) SendCommand(command string) error {
	command = strings.TrimRight(command, "\r\n")
	if strings.ContainsAny(command, "\r\n") {
		return ErrInvalidCommand
	}
	line := []byte(command + "\n")

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines and delivers them to subscribers. A subscriber whose
// buffer is full misses the line rather than stalling the bridge.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// the blocking Scan runs in its own goroutine so cancellation is seen
	go func() {
		var err error
		defer func() {
			scanErr <- err
			close(lines)
		}()
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		err = scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return <-scanErr
			}
			if s.closing.Load() {
				return nil
			}
			s.deliver(line)
		}
	}
}

func (s *SerialMux[T]) deliver(line string) {
	kind := ClassifyLine(line)
	if kind == LineTypeError {
		monitoring.Logf("bridge reported: %s", line)
	}

	var dropped uint64
	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			dropped++
		}
	}
	s.subscriberMu.Unlock()

	s.statsMu.Lock()
	s.stats.Lines[kind]++
	s.stats.Dropped += dropped
	s.statsMu.Unlock()
}

// Stats returns a copy of the line counters.
func (s *SerialMux[T]) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := Stats{Lines: make(map[string]uint64, len(s.stats.Lines)), Dropped: s.stats.Dropped}
	for k, v := range s.stats.Lines {
		out.Lines[k] = v
	}
	return out
}

func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("bridge", "BLE bridge console", func(w http.ResponseWriter, r *http.Request) {
		if err := consoleTemplate.Execute(w, nil); err != nil {
			monitoring.Logf("bridge console: %v", err)
		}
	})
	debug.HandleSilentFunc("bridge-command", s.serveCommand)
	debug.HandleSilentFunc("bridge-stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})
	debug.HandleSilentFunc("bridge-tail", s.serveTail)
}

// serveCommand forwards the "command" form value to the bridge.
func (s *SerialMux[T]) serveCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		httputil.BadRequest(w, "command is required")
		return
	}
	if err := s.SendCommand(command); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"sent": command})
}

// serveTail streams every bridge line as a server-sent event named after
// its line type.
func (s *SerialMux[T]) serveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	id, lines := s.Subscribe()
	defer s.Unsubscribe(id)

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	io.WriteString(w, ": tailing bridge\n\n")
	flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ClassifyLine(line), line); err != nil {
				return
			}
			flush()
		}
	}
}

const consoleHTML = `<!DOCTYPE html>
<html>
<head><title>BLE bridge</title></head>
<body>
<h1>BLE bridge</h1>
<form id="f">
<input name="command" id="command" size="60" placeholder="SCAN ON">
<button type="submit">Send</button>
</form>
<pre id="out"></pre>
<script>
const out = document.getElementById("out");
document.getElementById("f").onsubmit = async (e) => {
  e.preventDefault();
  const body = new URLSearchParams(new FormData(e.target));
  const res = await fetch("bridge-command", {method: "POST", body});
  const reply = await res.json();
  out.textContent += (reply.error ? "! " + reply.error : "> " + reply.sent) + "\n";
};
const es = new EventSource("bridge-tail");
for (const kind of ["power", "receive", "ack", "error", "unknown"]) {
  es.addEventListener(kind, (m) => { out.textContent += m.data + "\n"; });
}
</script>
</body>
</html>
`
