package reports

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/civicpulse/civicpulse/internal/geo"
)

func writeDirectoryCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func testDirectory(t *testing.T, gc geo.Geocoder) *Directory {
	t.Helper()
	dir := t.TempDir()
	writeDirectoryCSV(t, dir, "sf.csv", "department,address\nPublic Works,49 South Van Ness Ave\nPublic Works,2323 Cesar Chavez St\nTransportation,1 South Van Ness Ave\n")
	writeDirectoryCSV(t, dir, "boston.csv", "department,address\n\"Housing, Buildings & Code\",1010 Massachusetts Ave\n")
	// nyc.csv intentionally missing: loading must tolerate partial directories.

	d, err := LoadDirectory(dir, gc, nil)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	return d
}

func TestDirectoryLoadsRows(t *testing.T) {
	d := testDirectory(t, &fakeGeocoder{})
	if got := len(d.Departments(CitySF)); got != 3 {
		t.Errorf("SF rows = %d, want 3", got)
	}
	if got := len(d.Departments(CityNYC)); got != 0 {
		t.Errorf("NYC rows = %d, want 0 for a missing file", got)
	}
}

func TestNearestPicksClosestCandidate(t *testing.T) {
	gc := &fakeGeocoder{points: map[string]geo.Point{
		"49 South Van Ness Ave, San Francisco, CA":  {Longitude: -122.418, Latitude: 37.774},
		"2323 Cesar Chavez St, San Francisco, CA":   {Longitude: -122.404, Latitude: 37.749},
	}}
	d := testDirectory(t, gc)

	from := &geo.Point{Longitude: -122.405, Latitude: 37.751}
	result, err := d.Nearest(context.Background(), CitySF, "Public Works", from)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(result.Candidates))
	}
	if result.Nearest == nil || result.Nearest.Address != "2323 Cesar Chavez St" {
		t.Errorf("nearest = %+v, want the Cesar Chavez office", result.Nearest)
	}
}

func TestNearestNormalizesLabels(t *testing.T) {
	gc := &fakeGeocoder{points: map[string]geo.Point{
		"1010 Massachusetts Ave, Boston, MA": {Longitude: -71.08, Latitude: 42.33},
	}}
	d := testDirectory(t, gc)

	// Query uses the un-comma'd variant of the stored label.
	result, err := d.Nearest(context.Background(), CityBoston, "Housing,Buildings & Code", &geo.Point{Longitude: -71.06, Latitude: 42.36})
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if result.Nearest == nil {
		t.Fatal("expected a nearest match despite label spacing differences")
	}
}

func TestNearestUnknownDepartment(t *testing.T) {
	d := testDirectory(t, &fakeGeocoder{})
	result, err := d.Nearest(context.Background(), CitySF, "Parks", nil)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(result.Candidates) != 0 || result.Nearest != nil {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestNearestSkipsUngecodableAddresses(t *testing.T) {
	gc := &fakeGeocoder{points: map[string]geo.Point{
		"49 South Van Ness Ave, San Francisco, CA": {Longitude: -122.418, Latitude: 37.774},
		// Cesar Chavez address left out: geocode miss.
	}}
	d := testDirectory(t, gc)

	result, err := d.Nearest(context.Background(), CitySF, "Public Works", &geo.Point{Longitude: -122.404, Latitude: 37.749})
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if result.Nearest == nil || result.Nearest.Address != "49 South Van Ness Ave" {
		t.Errorf("nearest = %+v, want the only geocodable office", result.Nearest)
	}
}

func TestHaversine(t *testing.T) {
	// SF to Boston is roughly 4,330 km.
	d := haversineMeters(-122.42, 37.77, -71.06, 42.36)
	if d < 4.2e6 || d > 4.5e6 {
		t.Errorf("haversine = %.0f m, want ~4.33e6", d)
	}
	if z := haversineMeters(-71.06, 42.36, -71.06, 42.36); z != 0 {
		t.Errorf("zero distance = %f", z)
	}
}
