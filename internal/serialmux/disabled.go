package serialmux

import (
	"context"
	"net/http"
	"sync"
)

// DisabledSerialMux stands in when no bridge dongle is attached. Nothing is
// ever delivered; channels handed out by Subscribe only ever close.
type DisabledSerialMux struct {
	mu     sync.Mutex
	open   map[string]chan string
	closed bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{open: map[string]chan string{}}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.open[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(id)
}

// release closes one subscriber; d.mu must be held.
func (d *DisabledSerialMux) release(id string) {
	if ch, ok := d.open[id]; ok {
		delete(d.open, id)
		close(ch)
	}
}

func (d *DisabledSerialMux) Initialize() error         { return nil }
func (d *DisabledSerialMux) SendCommand(string) error { return nil }

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id := range d.open {
		d.release(id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/bridge-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("no bridge attached; start with -radio bridge -port <device>\n"))
	})
}
