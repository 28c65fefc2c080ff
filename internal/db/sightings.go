package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/proximity.report/internal/beacon"
)

// ErrNotFound is returned when a sighting id is unknown.
var ErrNotFound = errors.New("sighting not found")

// Sighting is one detected beacon, keyed by (kind, major, minor).
type Sighting struct {
	ID           uuid.UUID `json:"sighting_id"`
	Kind         string    `json:"kind"`
	Major        uint16    `json:"major"`
	Minor        uint16    `json:"minor"`
	ProximityID  string    `json:"proximity_id,omitempty"`
	PeerID       string    `json:"peer_id"`
	Slot         int       `json:"slot"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	LastRSSI     int       `json:"last_rssi"`
	LastDistance *float64  `json:"last_distance,omitempty"`
	Detections   int       `json:"detections"`
}

type RSSISample struct {
	RSSI int       `json:"rssi"`
	At   time.Time `json:"at"`
}

// SightingSummary aggregates the RSSI samples of one sighting.
type SightingSummary struct {
	SightingID uuid.UUID `json:"sighting_id"`
	Samples    int       `json:"samples"`
	MeanRSSI   float64   `json:"mean_rssi"`
	StdDevRSSI float64   `json:"stddev_rssi"`
	MedianRSSI float64   `json:"median_rssi"`
	MinRSSI    float64   `json:"min_rssi"`
	MaxRSSI    float64   `json:"max_rssi"`
}

const sightingColumns = `sighting_id, kind, major, minor, proximity_id, peer_id, slot,
	first_seen_unix_nanos, last_seen_unix_nanos, last_rssi, last_distance, detections`

// RecordDetection upserts the sighting for ev and appends an RSSI sample.
func (db *DB) RecordDetection(ev beacon.DetectionEvent) (Sighting, error) {
	tx, err := db.Begin()
	if err != nil {
		return Sighting{}, err
	}
	defer tx.Rollback()

	kind := ev.Kind.String()
	at := ev.At.UnixNano()

	var proximityID sql.NullString
	if ev.ProximityID.Valid {
		proximityID = sql.NullString{String: ev.ProximityID.UUID.String(), Valid: true}
	}
	var distance sql.NullFloat64
	if ev.Distance != nil {
		distance = sql.NullFloat64{Float64: *ev.Distance, Valid: true}
	}

	var id string
	err = tx.QueryRow(`SELECT sighting_id FROM sightings WHERE kind = ? AND major = ? AND minor = ?`,
		kind, ev.Major, ev.Minor).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = tx.Exec(`INSERT INTO sightings (`+sightingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			id, kind, ev.Major, ev.Minor, proximityID, ev.PeerID, ev.Slot, at, at, ev.RSSI, distance)
		if err != nil {
			return Sighting{}, fmt.Errorf("failed to insert sighting: %w", err)
		}
	case err != nil:
		return Sighting{}, fmt.Errorf("failed to look up sighting: %w", err)
	default:
		_, err = tx.Exec(`UPDATE sightings SET
				proximity_id = COALESCE(?, proximity_id),
				peer_id = ?, slot = ?,
				last_seen_unix_nanos = MAX(last_seen_unix_nanos, ?),
				last_rssi = ?, last_distance = ?,
				detections = detections + 1
			WHERE sighting_id = ?`,
			proximityID, ev.PeerID, ev.Slot, at, ev.RSSI, distance, id)
		if err != nil {
			return Sighting{}, fmt.Errorf("failed to update sighting: %w", err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO rssi_samples (sighting_id, rssi, seen_unix_nanos) VALUES (?, ?, ?)`,
		id, ev.RSSI, at); err != nil {
		return Sighting{}, fmt.Errorf("failed to insert rssi sample: %w", err)
	}

	s, err := scanSighting(tx.QueryRow(`SELECT `+sightingColumns+` FROM sightings WHERE sighting_id = ?`, id))
	if err != nil {
		return Sighting{}, err
	}
	return s, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSighting(row rowScanner) (Sighting, error) {
	var (
		s           Sighting
		id          string
		proximityID sql.NullString
		distance    sql.NullFloat64
		first, last int64
	)
	if err := row.Scan(&id, &s.Kind, &s.Major, &s.Minor, &proximityID, &s.PeerID, &s.Slot,
		&first, &last, &s.LastRSSI, &distance, &s.Detections); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Sighting{}, ErrNotFound
		}
		return Sighting{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Sighting{}, fmt.Errorf("bad sighting id %q: %w", id, err)
	}
	s.ID = parsed
	s.ProximityID = proximityID.String
	s.FirstSeen = time.Unix(0, first).UTC()
	s.LastSeen = time.Unix(0, last).UTC()
	if distance.Valid {
		d := distance.Float64
		s.LastDistance = &d
	}
	return s, nil
}

// Sighting returns one sighting by id.
func (db *DB) Sighting(id uuid.UUID) (Sighting, error) {
	return scanSighting(db.QueryRow(`SELECT `+sightingColumns+` FROM sightings WHERE sighting_id = ?`, id.String()))
}

// Sightings returns up to limit sightings, most recently seen first.
// A non-positive limit returns all of them.
func (db *DB) Sightings(limit int) ([]Sighting, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+sightingColumns+` FROM sightings
		ORDER BY last_seen_unix_nanos DESC, major, minor LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Sighting{}
	for rows.Next() {
		s, err := scanSighting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RSSISamples returns the most recent samples for a sighting in time order.
func (db *DB) RSSISamples(id uuid.UUID, limit int) ([]RSSISample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT rssi, seen_unix_nanos FROM (
			SELECT rssi, seen_unix_nanos, rowid FROM rssi_samples
			WHERE sighting_id = ?
			ORDER BY seen_unix_nanos DESC, rowid DESC LIMIT ?
		) ORDER BY seen_unix_nanos, rowid`, id.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RSSISample{}
	for rows.Next() {
		var (
			s  RSSISample
			at int64
		)
		if err := rows.Scan(&s.RSSI, &at); err != nil {
			return nil, err
		}
		s.At = time.Unix(0, at).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Summary computes RSSI statistics over every stored sample of a sighting.
func (db *DB) Summary(id uuid.UUID) (SightingSummary, error) {
	if _, err := db.Sighting(id); err != nil {
		return SightingSummary{}, err
	}
	samples, err := db.RSSISamples(id, 0)
	if err != nil {
		return SightingSummary{}, err
	}

	summary := SightingSummary{SightingID: id, Samples: len(samples)}
	if len(samples) == 0 {
		return summary, nil
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s.RSSI)
	}
	sort.Float64s(values)

	summary.MeanRSSI, summary.StdDevRSSI = stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		summary.StdDevRSSI = 0
	}
	summary.MedianRSSI = stat.Quantile(0.5, stat.Empirical, values, nil)
	summary.MinRSSI = floats.Min(values)
	summary.MaxRSSI = floats.Max(values)
	return summary, nil
}

// PruneBefore deletes sightings last seen before cutoff, along with their
// samples, and any remaining samples older than cutoff.
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sightings WHERE last_seen_unix_nanos < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sightings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM rssi_samples WHERE seen_unix_nanos < ?`, cutoff.UnixNano()); err != nil {
		return 0, fmt.Errorf("failed to prune rssi samples: %w", err)
	}
	return n, tx.Commit()
}
