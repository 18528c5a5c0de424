package data311

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/civicpulse/civicpulse/internal/reports"
)

// Boston endpoints: Open311 primary, Analyze Boston (CKAN) datastore fallback.
const (
	defaultOpen311URL = "https://mayors24.cityofboston.gov/open311/v2"
	defaultCKANURL    = "https://data.boston.gov/api/3/action"
)

// BostonClient fetches 311 cases from Boston's Open311 endpoint, falling
// back to the CKAN datastore when Open311 is unavailable.
type BostonClient struct {
	open311URL string
	ckanURL    string
	httpc      *http.Client
}

// BostonOption configures a BostonClient.
type BostonOption func(*BostonClient)

// WithBostonURLs overrides the upstream endpoints. Used in tests.
func WithBostonURLs(open311, ckan string) BostonOption {
	return func(c *BostonClient) {
		c.open311URL = open311
		c.ckanURL = ckan
	}
}

// WithBostonHTTPClient overrides the HTTP client.
func WithBostonHTTPClient(h *http.Client) BostonOption {
	return func(c *BostonClient) { c.httpc = h }
}

// NewBostonClient creates a Boston 311 client.
func NewBostonClient(opts ...BostonOption) *BostonClient {
	c := &BostonClient{
		open311URL: defaultOpen311URL,
		ckanURL:    defaultCKANURL,
		httpc:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// City returns the city this source serves.
func (c *BostonClient) City() reports.City { return reports.CityBoston }

// Fetch returns recent open cases, trying Open311 first and the CKAN
// datastore second. The limit is clamped to [1, 1000].
func (c *BostonClient) Fetch(ctx context.Context, limit int) ([]Case, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	cases, err := c.fetchOpen311(ctx, limit)
	if err == nil {
		return cases, nil
	}
	open311Err := err

	cases, err = c.fetchCKAN(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("boston 311 unavailable: open311: %v; ckan: %w", open311Err, err)
	}
	return cases, nil
}

func (c *BostonClient) fetchOpen311(ctx context.Context, limit int) ([]Case, error) {
	params := url.Values{}
	params.Set("status", "open")
	params.Set("page_size", fmt.Sprintf("%d", limit))

	endpoint := fmt.Sprintf("%s/requests.json?%s", c.open311URL, params.Encode())
	records, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := json.Unmarshal(records, &list); err != nil {
		return nil, fmt.Errorf("decoding open311 response: %w", err)
	}
	return NormalizeBoston(list), nil
}

func (c *BostonClient) fetchCKAN(ctx context.Context, limit int) ([]Case, error) {
	// Locate the active 311 datastore resource.
	searchURL := fmt.Sprintf("%s/package_search?q=%s&rows=1", c.ckanURL, url.QueryEscape("title:311 Service Requests"))
	raw, err := c.getJSON(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("ckan search: %w", err)
	}
	var search struct {
		Result struct {
			Results []struct {
				Resources []struct {
					ID              string `json:"id"`
					DatastoreActive bool   `json:"datastore_active"`
				} `json:"resources"`
			} `json:"results"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &search); err != nil {
		return nil, fmt.Errorf("decoding ckan search: %w", err)
	}

	var resourceID string
	if len(search.Result.Results) > 0 {
		for _, res := range search.Result.Results[0].Resources {
			if res.DatastoreActive {
				resourceID = res.ID
				break
			}
		}
	}
	if resourceID == "" {
		return nil, fmt.Errorf("no active ckan datastore resource")
	}

	params := url.Values{}
	params.Set("resource_id", resourceID)
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("sort", "open_dt desc")
	raw, err = c.getJSON(ctx, fmt.Sprintf("%s/datastore_search?%s", c.ckanURL, params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("ckan datastore: %w", err)
	}
	var ds struct {
		Result struct {
			Records []map[string]any `json:"records"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("decoding ckan datastore: %w", err)
	}
	return NormalizeBoston(ds.Result.Records), nil
}

func (c *BostonClient) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Compile-time check.
var _ Source = (*BostonClient)(nil)
