package db

import (
	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Sink persists coordinator output. Write failures are logged and dropped.
type Sink struct {
	db    *DB
	clock timeutil.Clock
}

var _ beacon.Sink = (*Sink)(nil)

func NewSink(db *DB, clock timeutil.Clock) *Sink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sink{db: db, clock: clock}
}

func (s *Sink) Detected(ev beacon.DetectionEvent) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	if _, err := s.db.RecordDetection(ev); err != nil {
		monitoring.Logf("[db] failed to record detection %d/%d: %v", ev.Major, ev.Minor, err)
	}
}

func (s *Sink) WarningRaised(w beacon.Warning) {
	if err := s.db.RecordWarning(w, true, s.clock.Now()); err != nil {
		monitoring.Logf("[db] failed to record warning %q: %v", w, err)
	}
}

func (s *Sink) WarningCleared(w beacon.Warning) {
	if err := s.db.RecordWarning(w, false, s.clock.Now()); err != nil {
		monitoring.Logf("[db] failed to record warning clear %q: %v", w, err)
	}
}
