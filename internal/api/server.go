package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/db"
)

// Server exposes the coordinator over HTTP. The sightings store is
// optional; without it the sightings endpoints answer 503.
type Server struct {
	coord *beacon.Coordinator
	bus   *beacon.Bus
	db    *db.DB
}

func NewServer(coord *beacon.Coordinator, bus *beacon.Bus, store *db.DB) *Server {
	return &Server{
		coord: coord,
		bus:   bus,
		db:    store,
	}
}

const (
	ansiReset  = "\033[0m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[1;32m"
	ansiRed    = "\033[1;31m"
)

// statusRecorder remembers what a handler wrote so the access log can
// report it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush keeps /api/events streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func colorStatus(code int) string {
	color := ""
	switch code / 100 {
	case 2:
		color = ansiGreen
	case 3:
		color = ansiYellow
	case 4, 5:
		color = ansiRed
	default:
		return strconv.Itoa(code)
	}
	return color + strconv.Itoa(code) + ansiReset
}

// LoggingMiddleware writes one access log line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[%s] %s %s%s%s %dB %.2fms",
			colorStatus(rec.status), r.Method,
			ansiCyan, r.RequestURI, ansiReset,
			rec.bytes, float64(time.Since(start).Microseconds())/1000)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/warnings", s.listWarnings)
	mux.HandleFunc("/api/ledger", s.showLedger)
	mux.HandleFunc("/api/configure", s.configure)
	mux.HandleFunc("/api/tx", s.setTx)
	mux.HandleFunc("/api/scan", s.setScan)
	mux.HandleFunc("/api/lifecycle", s.setLifecycle)
	mux.HandleFunc("/api/rotate", s.rotate)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/sightings", s.listSightings)
	mux.HandleFunc("GET /api/sightings/{id}/summary", s.showSightingSummary)
	mux.HandleFunc("GET /api/sightings/{id}/samples", s.listSightingSamples)
	mux.HandleFunc("/debug/rssi-chart", s.rssiChart)
	return mux
}

// queryLimit parses an optional positive "limit" parameter.
func queryLimit(r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
