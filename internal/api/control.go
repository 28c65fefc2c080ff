package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/httputil"
)

type stateResponse struct {
	State      beacon.State     `json:"state"`
	Identity   *beacon.Identity `json:"identity,omitempty"`
	Options    beacon.Options   `json:"options"`
	Warnings   []beacon.Warning `json:"warnings"`
	TopWarning beacon.Warning   `json:"top_warning,omitempty"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.snapshot())
}

func (s *Server) snapshot() stateResponse {
	resp := stateResponse{
		State:    s.coord.State(),
		Options:  s.coord.Options(),
		Warnings: warningsOrEmpty(s.coord.Warnings()),
	}
	if id, ok := s.coord.Identity(); ok {
		resp.Identity = &id
	}
	if top, ok := s.coord.TopWarning(); ok {
		resp.TopWarning = top
	}
	return resp
}

type warningsResponse struct {
	Warnings []beacon.Warning `json:"warnings"`
	Top      beacon.Warning   `json:"top,omitempty"`
	History  interface{}      `json:"history,omitempty"`
}

func (s *Server) listWarnings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := warningsResponse{Warnings: warningsOrEmpty(s.coord.Warnings())}
	if top, ok := s.coord.TopWarning(); ok {
		resp.Top = top
	}
	if r.URL.Query().Has("history") && s.db != nil {
		limit, ok := queryLimit(r, 100)
		if !ok {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		events, err := s.db.WarningEvents(limit)
		if err != nil {
			httputil.InternalServerError(w, "failed to read warning history: "+err.Error())
			return
		}
		resp.History = events
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showLedger(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		peers := s.coord.Ledger().Snapshot()
		httputil.WriteJSONOK(w, map[string]interface{}{
			"peers": peers,
			"count": len(peers),
		})
	case http.MethodDelete:
		s.coord.Ledger().Reset()
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

type configureRequest struct {
	Major         uint16          `json:"major"`
	Minor         uint16          `json:"minor"`
	ProximityID   *string         `json:"proximity_id,omitempty"`
	MeasuredPower *int8           `json:"measured_power,omitempty"`
	// Options is applied over the current options; fields left out keep
	// their value.
	Options json.RawMessage `json:"options,omitempty"`
}

func (s *Server) configure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req configureRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	id := beacon.Identity{Major: req.Major, Minor: req.Minor, MeasuredPower: beacon.DefaultMeasuredPower}
	if current, ok := s.coord.Identity(); ok {
		id.ProximityID = current.ProximityID
		id.MeasuredPower = current.MeasuredPower
	}
	if req.ProximityID != nil {
		parsed, err := uuid.Parse(*req.ProximityID)
		if err != nil {
			httputil.BadRequest(w, "invalid proximity_id")
			return
		}
		id.ProximityID = uuid.NullUUID{UUID: parsed, Valid: true}
	}
	if req.MeasuredPower != nil {
		id.MeasuredPower = *req.MeasuredPower
	}
	opts := s.coord.Options()
	if len(req.Options) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Options))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid options: %v", err))
			return
		}
	}

	if err := s.coord.Configure(id, opts); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.snapshot())
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setTx(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.coord.StartTx, s.coord.StopTx)
}

func (s *Server) setScan(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.coord.StartScanning, s.coord.StopScanning)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, start, stop func() error) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req toggleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	op := stop
	if req.Enabled {
		op = start
	}
	if err := op(); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.coord.State())
}

// writeCoordinatorError maps coordinator sentinels to status codes.
// ErrRadioNotReady is accepted: the intent is kept until power-on.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, beacon.ErrConfigurationMissing):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, beacon.ErrRadioNotReady):
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": err.Error()})
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

type lifecycleRequest struct {
	Active bool `json:"active"`
}

func (s *Server) setLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req lifecycleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.coord.AppLifecycleChanged(req.Active)
	httputil.WriteJSONOK(w, s.coord.State())
}

func (s *Server) rotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.coord.RotateSlot()
	httputil.WriteJSONOK(w, s.coord.State())
}

func warningsOrEmpty(ws []beacon.Warning) []beacon.Warning {
	if ws == nil {
		return []beacon.Warning{}
	}
	return ws
}
