// Command rssi-plot renders the RSSI history of recent sightings to a PNG,
// reading either a sightings database or a running daemon's HTTP API.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"net/url"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/httputil"
	"github.com/banshee-data/proximity.report/internal/security"
)

var (
	dbPath  = flag.String("db", "", "Sightings database to read")
	apiURL  = flag.String("api", "", "Base URL of a running daemon, e.g. http://localhost:8080")
	out     = flag.String("out", "rssi.png", "Output PNG path")
	limit   = flag.Int("limit", 5, "Number of most recent sightings to plot")
	samples = flag.Int("samples", 500, "Samples per sighting")
)

// series is the RSSI history of one sighting.
type series struct {
	Label   string
	Samples []db.RSSISample
}

func label(s db.Sighting) string {
	return fmt.Sprintf("%s %d/%d", s.Kind, s.Major, s.Minor)
}

func loadFromDB(store *db.DB, limit, perSighting int) ([]series, error) {
	sightings, err := store.Sightings(limit)
	if err != nil {
		return nil, err
	}
	out := make([]series, 0, len(sightings))
	for _, s := range sightings {
		pts, err := store.RSSISamples(s.ID, perSighting)
		if err != nil {
			return nil, fmt.Errorf("samples for %s: %w", s.ID, err)
		}
		out = append(out, series{Label: label(s), Samples: pts})
	}
	return out, nil
}

func loadFromAPI(client httputil.HTTPClient, base string, limit, perSighting int) ([]series, error) {
	base = strings.TrimRight(base, "/")
	var sightings []db.Sighting
	if err := httputil.GetJSON(client, fmt.Sprintf("%s/api/sightings?limit=%d", base, limit), &sightings); err != nil {
		return nil, err
	}
	out := make([]series, 0, len(sightings))
	for _, s := range sightings {
		var pts []db.RSSISample
		u := fmt.Sprintf("%s/api/sightings/%s/samples?limit=%d", base, url.PathEscape(s.ID.String()), perSighting)
		if err := httputil.GetJSON(client, u, &pts); err != nil {
			return nil, err
		}
		out = append(out, series{Label: label(s), Samples: pts})
	}
	return out, nil
}

var palette = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	color.RGBA{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
}

// render plots every series against seconds since the earliest sample.
func render(all []series, path string) error {
	var start time.Time
	for _, s := range all {
		for _, p := range s.Samples {
			if start.IsZero() || p.At.Before(start) {
				start = p.At
			}
		}
	}
	if start.IsZero() {
		return fmt.Errorf("no samples to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("RSSI since %s", start.Format(time.RFC3339))
	p.X.Label.Text = "Seconds"
	p.Y.Label.Text = "RSSI (dBm)"

	for i, s := range all {
		if len(s.Samples) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.Samples))
		for j, sm := range s.Samples {
			pts[j] = plotter.XY{X: sm.At.Sub(start).Seconds(), Y: float64(sm.RSSI)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = palette[i%len(palette)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.Label, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

func main() {
	flag.Parse()

	if err := security.ValidateExportPath(*out); err != nil {
		log.Fatalf("invalid -out: %v", err)
	}

	var (
		all []series
		err error
	)
	switch {
	case *dbPath != "":
		store, openErr := db.Open(*dbPath)
		if openErr != nil {
			log.Fatalf("failed to open database: %v", openErr)
		}
		defer store.Close()
		all, err = loadFromDB(store, *limit, *samples)
	case *apiURL != "":
		all, err = loadFromAPI(httputil.NewStandardClient(nil), *apiURL, *limit, *samples)
	default:
		log.Fatal("one of -db or -api is required")
	}
	if err != nil {
		log.Fatalf("failed to load samples: %v", err)
	}

	if err := render(all, *out); err != nil {
		log.Fatalf("failed to render plot: %v", err)
	}
	log.Printf("wrote %d series to %s", len(all), *out)
}
