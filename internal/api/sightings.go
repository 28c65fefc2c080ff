package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/httputil"
	"github.com/banshee-data/proximity.report/internal/units"
)

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.ServiceUnavailable(w, "sightings store not configured")
		return false
	}
	return true
}

func (s *Server) listSightings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireDB(w) {
		return
	}
	limit, ok := queryLimit(r, 100)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	displayUnits := r.URL.Query().Get("units")
	if displayUnits == "" {
		displayUnits = units.Metres
	}
	if !units.IsValid(displayUnits) {
		httputil.BadRequest(w, "invalid 'units' parameter. Must be one of: "+units.GetValidUnitsString())
		return
	}
	sightings, err := s.db.Sightings(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve sightings: "+err.Error())
		return
	}
	for i := range sightings {
		if d := sightings[i].LastDistance; d != nil {
			converted := units.ConvertDistance(*d, displayUnits)
			sightings[i].LastDistance = &converted
		}
	}
	httputil.WriteJSONOK(w, sightings)
}

func (s *Server) sightingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.BadRequest(w, "invalid sighting id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) showSightingSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	id, ok := s.sightingID(w, r)
	if !ok {
		return
	}
	summary, err := s.db.Summary(id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "failed to summarise sighting: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, summary)
}

func (s *Server) listSightingSamples(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	id, ok := s.sightingID(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(r, 500)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	if _, err := s.db.Sighting(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	samples, err := s.db.RSSISamples(id, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve samples: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, samples)
}
