package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/security"
)

// DB is the sightings store.
type DB struct {
	*sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Open opens (creating if needed) the sqlite database at path and brings
// its schema up to date.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps the per-connection pragmas in force.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// AttachAdminRoutes adds a tailsql console and a gzipped snapshot download
// under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	if tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"}); err != nil {
		monitoring.Logf("[db] tailsql console unavailable: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{Label: "Sightings"})
		debug.Handle("tailsql/", "Query the sightings store", tsql.NewMux())
	}

	debug.Handle("backup", "Download a gzipped snapshot of the sightings store", http.HandlerFunc(db.serveBackup))
}

// serveBackup snapshots the store with VACUUM INTO and streams it gzipped.
func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "proximity-backup")
	if err != nil {
		http.Error(w, fmt.Sprintf("backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	stem := security.SanitizeFilename(strings.TrimSuffix(filepath.Base(db.path), filepath.Ext(db.path)))
	name := fmt.Sprintf("%s-backup-%d.db", stem, time.Now().Unix())
	snapshot := filepath.Join(dir, name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", snapshot); err != nil {
		http.Error(w, fmt.Sprintf("backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(snapshot)
	if err != nil {
		http.Error(w, fmt.Sprintf("backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	zw := gzip.NewWriter(w)
	if _, err := io.Copy(zw, f); err != nil {
		monitoring.Logf("[db] streaming backup: %v", err)
	}
	if err := zw.Close(); err != nil {
		monitoring.Logf("[db] finishing backup: %v", err)
	}
}
