package reports

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/civicpulse/civicpulse/internal/geo"
)

// Department is one entry in the per-city department directory.
type Department struct {
	City       City     `json:"city"`
	Name       string   `json:"department"`
	Address    string   `json:"address"`
	Coordinate *geo.Point `json:"coordinates,omitempty"` // nil until geocoded
}

// NearestResult is the outcome of a nearest-department lookup.
type NearestResult struct {
	Candidates []Department `json:"candidates"`
	Nearest    *Department  `json:"nearest"`
}

// Directory is the CSV-loaded department directory. Rows are loaded once;
// addresses are geocoded lazily and the results cached.
type Directory struct {
	geocoder geo.Geocoder
	logger   *slog.Logger

	mu   sync.Mutex
	rows []Department
}

// csvFiles maps each city to its directory file name under the data dir.
var csvFiles = map[City]string{
	CityNYC:    "nyc.csv",
	CityBoston: "boston.csv",
	CitySF:     "sf.csv",
}

// LoadDirectory reads the per-city department CSV files from dir.
// Missing files are skipped with a warning so a partial directory still works.
func LoadDirectory(dir string, geocoder geo.Geocoder, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Directory{geocoder: geocoder, logger: logger}
	for _, city := range Cities() {
		path := filepath.Join(dir, csvFiles[city])
		rows, err := parseDepartmentCSV(path, city)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Warn("department directory file missing", slog.String("path", path))
				continue
			}
			return nil, fmt.Errorf("loading department directory %s: %w", path, err)
		}
		d.rows = append(d.rows, rows...)
	}
	return d, nil
}

// parseDepartmentCSV reads "department,address" rows, skipping the header.
func parseDepartmentCSV(path string, city City) ([]Department, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}

	var out []Department
	for i, rec := range records {
		if i == 0 || len(rec) < 2 {
			continue
		}
		name := strings.TrimSpace(rec[0])
		address := strings.TrimSpace(rec[1])
		if name == "" || address == "" {
			continue
		}
		out = append(out, Department{City: city, Name: name, Address: address})
	}
	return out, nil
}

var (
	commaSpacing = regexp.MustCompile(`\s*,\s*`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// normalizeDeptLabel reconciles label variations such as
// "Housing Buildings & Code" vs "Housing, Buildings & Code".
func normalizeDeptLabel(s string) string {
	s = commaSpacing.ReplaceAllString(s, ", ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Departments returns the directory rows for a city.
func (d *Directory) Departments(city City) []Department {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Department
	for _, r := range d.rows {
		if r.City == city {
			out = append(out, r)
		}
	}
	return out
}

// Nearest finds the directory entries matching city and department, geocodes
// their addresses, and picks the one closest to from by haversine distance.
// Entries whose addresses cannot be geocoded stay in Candidates without
// coordinates and are excluded from the nearest computation.
func (d *Directory) Nearest(ctx context.Context, city City, department string, from *geo.Point) (*NearestResult, error) {
	if department == "" {
		return nil, fmt.Errorf("department is required")
	}
	target := normalizeDeptLabel(department)

	d.mu.Lock()
	var candidates []Department
	for _, r := range d.rows {
		if r.City == city && normalizeDeptLabel(r.Name) == target {
			candidates = append(candidates, r)
		}
	}
	d.mu.Unlock()

	if len(candidates) == 0 {
		return &NearestResult{Candidates: []Department{}}, nil
	}

	for i := range candidates {
		c := &candidates[i]
		query := fmt.Sprintf("%s, %s", c.Address, c.City.GeocodeLabel())
		pt, err := d.geocoder.Geocode(ctx, query)
		if err != nil {
			d.logger.Debug("department geocode failed",
				slog.String("department", c.Name),
				slog.String("address", c.Address),
				slog.Any("error", err),
			)
			continue
		}
		c.Coordinate = &pt
	}

	result := &NearestResult{Candidates: candidates}
	if from == nil {
		return result, nil
	}

	bestDist := math.Inf(1)
	for i := range candidates {
		c := &candidates[i]
		if c.Coordinate == nil {
			continue
		}
		dist := haversineMeters(from.Longitude, from.Latitude, c.Coordinate.Longitude, c.Coordinate.Latitude)
		if dist < bestDist {
			bestDist = dist
			result.Nearest = c
		}
	}
	return result, nil
}

// haversineMeters computes the great-circle distance between two points.
func haversineMeters(lon1, lat1, lon2, lat2 float64) float64 {
	const earthRadius = 6371e3
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}
