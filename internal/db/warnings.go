package db

import (
	"time"

	"github.com/banshee-data/proximity.report/internal/beacon"
)

type WarningEvent struct {
	ID      int64          `json:"event_id"`
	Warning beacon.Warning `json:"warning"`
	Raised  bool           `json:"raised"`
	At      time.Time      `json:"at"`
}

// RecordWarning appends a raise or clear transition.
func (db *DB) RecordWarning(w beacon.Warning, raised bool, at time.Time) error {
	_, err := db.Exec(`INSERT INTO warning_events (warning, raised, at_unix_nanos) VALUES (?, ?, ?)`,
		string(w), raised, at.UnixNano())
	return err
}

// WarningEvents returns up to limit transitions, newest first.
func (db *DB) WarningEvents(limit int) ([]WarningEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT event_id, warning, raised, at_unix_nanos FROM warning_events
		ORDER BY at_unix_nanos DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []WarningEvent{}
	for rows.Next() {
		var (
			ev      WarningEvent
			warning string
			at      int64
		)
		if err := rows.Scan(&ev.ID, &warning, &ev.Raised, &at); err != nil {
			return nil, err
		}
		ev.Warning = beacon.Warning(warning)
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
