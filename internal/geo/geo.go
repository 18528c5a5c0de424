// Package geo provides forward geocoding through the Mapbox Places API,
// with an in-process cache so repeated lookups of the same address are free.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const defaultBaseURL = "https://api.mapbox.com"

// ErrNoResult is returned when the geocoder finds no match for a query.
var ErrNoResult = fmt.Errorf("no geocoding result")

// Point is a WGS84 coordinate pair.
type Point struct {
	Longitude float64
	Latitude  float64
}

// Geocoder resolves a free-form address query to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (Point, error)
}

// Client is a Mapbox-backed Geocoder. Results, including misses, are cached
// for the lifetime of the client.
type Client struct {
	token   string
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*Point // nil entry = cached miss
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Mapbox API base URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// NewClient creates a Mapbox geocoding client.
func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		cache:   make(map[string]*Point),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geocodeResponse struct {
	Features []struct {
		Center []float64 `json:"center"`
	} `json:"features"`
}

// Geocode resolves query to its best-match coordinates.
// Returns ErrNoResult when Mapbox has no match; the miss is cached so the
// upstream is not re-queried for the same address.
func (c *Client) Geocode(ctx context.Context, query string) (Point, error) {
	if c.token == "" {
		return Point{}, fmt.Errorf("mapbox token is not configured")
	}

	c.mu.Lock()
	if cached, ok := c.cache[query]; ok {
		c.mu.Unlock()
		if cached == nil {
			return Point{}, ErrNoResult
		}
		return *cached, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json?limit=1&access_token=%s",
		c.baseURL, url.PathEscape(query), url.QueryEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Point{}, fmt.Errorf("building geocode request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return Point{}, fmt.Errorf("geocoding %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Point{}, fmt.Errorf("geocoding %q: mapbox returned %d: %s", query, resp.StatusCode, body)
	}

	var parsed geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Point{}, fmt.Errorf("decoding geocode response: %w", err)
	}

	if len(parsed.Features) == 0 || len(parsed.Features[0].Center) != 2 {
		c.storeCache(query, nil)
		c.logger.Debug("geocode miss", slog.String("query", query))
		return Point{}, ErrNoResult
	}

	pt := Point{
		Longitude: parsed.Features[0].Center[0],
		Latitude:  parsed.Features[0].Center[1],
	}
	c.storeCache(query, &pt)
	return pt, nil
}

func (c *Client) storeCache(query string, pt *Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[query] = pt
}

// Compile-time check.
var _ Geocoder = (*Client)(nil)
