package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestGeocode(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("missing access token in %s", r.URL)
		}
		fmt.Fprint(w, `{"features":[{"center":[-122.407,37.783]}]}`)
	}))
	defer srv.Close()

	c := NewClient("tok", nil, WithBaseURL(srv.URL))
	pt, err := c.Geocode(context.Background(), "Market St & 5th St, San Francisco, CA")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if pt.Longitude != -122.407 || pt.Latitude != 37.783 {
		t.Errorf("got %+v", pt)
	}

	// Second lookup is served from cache.
	if _, err := c.Geocode(context.Background(), "Market St & 5th St, San Francisco, CA"); err != nil {
		t.Fatalf("cached Geocode: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", calls.Load())
	}
}

func TestGeocodeNoResultIsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"features":[]}`)
	}))
	defer srv.Close()

	c := NewClient("tok", nil, WithBaseURL(srv.URL))
	for i := 0; i < 2; i++ {
		if _, err := c.Geocode(context.Background(), "nowhere"); !errors.Is(err, ErrNoResult) {
			t.Fatalf("err = %v, want ErrNoResult", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", calls.Load())
	}
}

func TestGeocodeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("tok", nil, WithBaseURL(srv.URL))
	if _, err := c.Geocode(context.Background(), "Market St"); err == nil {
		t.Fatal("expected error for upstream failure")
	}
}

func TestGeocodeRequiresToken(t *testing.T) {
	c := NewClient("", nil)
	if _, err := c.Geocode(context.Background(), "Market St"); err == nil {
		t.Fatal("expected error for missing token")
	}
}
