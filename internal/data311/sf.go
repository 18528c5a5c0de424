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

// SF Socrata dataset: 311 Cases (vw6y-z8j6).
const (
	sfDataset        = "vw6y-z8j6"
	defaultSFBaseURL = "https://data.sfgov.org"
)

// SFClient fetches 311 cases from the SF Socrata API.
type SFClient struct {
	baseURL  string
	appToken string
	httpc    *http.Client
}

// SFOption configures an SFClient.
type SFOption func(*SFClient)

// WithSFBaseURL overrides the Socrata base URL. Used in tests.
func WithSFBaseURL(u string) SFOption {
	return func(c *SFClient) { c.baseURL = u }
}

// WithSFHTTPClient overrides the HTTP client.
func WithSFHTTPClient(h *http.Client) SFOption {
	return func(c *SFClient) { c.httpc = h }
}

// NewSFClient creates an SF 311 client. appToken may be empty; Socrata
// then applies anonymous throttling.
func NewSFClient(appToken string, opts ...SFOption) *SFClient {
	c := &SFClient{
		baseURL:  defaultSFBaseURL,
		appToken: appToken,
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// City returns the city this source serves.
func (c *SFClient) City() reports.City { return reports.CitySF }

// Fetch returns the most recent cases, newest first. The limit is clamped
// to [1, 1000].
func (c *SFClient) Fetch(ctx context.Context, limit int) ([]Case, error) {
	return c.Query(ctx, QueryOptions{Limit: limit})
}

// QueryOptions are the SoQL parameters exposed to callers.
type QueryOptions struct {
	Limit  int
	Where  string // Optional SoQL $where clause.
	Select string // Optional SoQL $select clause. Default: "*".
}

// Query runs a SoQL query against the SF 311 dataset and normalizes the result.
func (c *SFClient) Query(ctx context.Context, opts QueryOptions) ([]Case, error) {
	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	params := url.Values{}
	params.Set("$limit", fmt.Sprintf("%d", limit))
	params.Set("$order", "requested_datetime DESC")
	if opts.Select != "" {
		params.Set("$select", opts.Select)
	} else {
		params.Set("$select", "*")
	}
	if opts.Where != "" {
		params.Set("$where", opts.Where)
	}

	endpoint := fmt.Sprintf("%s/resource/%s.json?%s", c.baseURL, sfDataset, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building sf 311 request: %w", err)
	}
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching sf 311 cases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sf 311 upstream returned %d: %s", resp.StatusCode, body)
	}

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding sf 311 response: %w", err)
	}
	return NormalizeSF(records), nil
}

// Compile-time check.
var _ Source = (*SFClient)(nil)
