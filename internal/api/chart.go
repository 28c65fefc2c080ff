package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/httputil"
)

// rssiChart renders the RSSI history of the most recent sightings as an
// HTML line chart. Debugging only.
// Query params:
//   - sighting (optional; a single sighting id)
//   - limit (optional; default 5 sightings)
func (s *Server) rssiChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireDB(w) {
		return
	}

	var sightings []db.Sighting
	if raw := r.URL.Query().Get("sighting"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httputil.BadRequest(w, "invalid sighting id")
			return
		}
		one, err := s.db.Sighting(id)
		if err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		sightings = append(sightings, one)
	} else {
		limit, ok := queryLimit(r, 5)
		if !ok {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		var err error
		if sightings, err = s.db.Sightings(limit); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Proximity RSSI", Theme: "dark", Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "RSSI by sighting", Subtitle: fmt.Sprintf("sightings=%d", len(sightings))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RSSI (dBm)", Max: 0}),
	)

	for _, sg := range sightings {
		samples, err := s.db.RSSISamples(sg.ID, 500)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		data := make([]opts.LineData, 0, len(samples))
		for _, sm := range samples {
			data = append(data, opts.LineData{Value: []interface{}{sm.At.UnixMilli(), sm.RSSI}})
		}
		line.AddSeries(fmt.Sprintf("%s %d/%d", sg.Kind, sg.Major, sg.Minor), data,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
