package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/civicpulse/civicpulse/internal/geo"
)

// Service exposes the report operations behind the HTTP gateway.
type Service struct {
	store    ReportStore
	comments CommentStore
	geocoder geo.Geocoder
	logger   *slog.Logger
}

// NewService creates a report Service. The geocoder may be nil, in which case
// Create rejects reports that need address resolution.
func NewService(store ReportStore, comments CommentStore, geocoder geo.Geocoder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:    store,
		comments: comments,
		geocoder: geocoder,
		logger:   logger,
	}
}

// CreateInput is the validated payload for a user-submitted report.
type CreateInput struct {
	City          City
	StreetAddress string
	Description   string
	ImageURL      string
}

// Create geocodes the street address and stores a new user report.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Report, error) {
	if in.StreetAddress == "" || in.Description == "" {
		return nil, fmt.Errorf("street_address and description are required")
	}
	city := in.City
	if city == "" {
		city = CitySF
	}
	if s.geocoder == nil {
		return nil, fmt.Errorf("geocoding is not configured")
	}

	query := fmt.Sprintf("%s, %s", in.StreetAddress, city.GeocodeLabel())
	pt, err := s.geocoder.Geocode(ctx, query)
	if err != nil {
		if errors.Is(err, geo.ErrNoResult) {
			return nil, fmt.Errorf("geocoding failed for %q", in.StreetAddress)
		}
		return nil, fmt.Errorf("geocoding address: %w", err)
	}

	var images []string
	if in.ImageURL != "" {
		images = []string{in.ImageURL}
	}
	report := &Report{
		City:          city,
		StreetAddress: in.StreetAddress,
		Latitude:      pt.Latitude,
		Longitude:     pt.Longitude,
		Description:   in.Description,
		Images:        images,
		Ranking:       999,
		Summary:       in.Description,
		Source:        "user",
		ReportedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, report); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "report created",
		slog.String("report_id", report.ID),
		slog.String("city", string(city)),
	)
	return report, nil
}

// Get returns one report by id.
func (s *Service) Get(ctx context.Context, id string) (*Report, error) {
	return s.store.Get(ctx, id)
}

// List returns reports matching the filter, newest first.
// The limit is clamped to [1, 10000] with a default of 500.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Report, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}
	if f.Limit > 10000 {
		f.Limit = 10000
	}
	return s.store.List(ctx, f)
}

// Vote applies a vote action for a report, compensating for the voter's
// previous vote. Returns the resulting vote totals.
func (s *Service) Vote(ctx context.Context, reportID string, action, previous VoteAction) (up, down int, err error) {
	upDelta, downDelta := VoteDeltas(action, previous)
	return s.store.ApplyVote(ctx, reportID, upDelta, downDelta)
}

// AddComment stores a comment, defaulting the author to "Anonymous User".
func (s *Service) AddComment(ctx context.Context, c *Comment) error {
	if c.ReportID == "" || c.Content == "" {
		return fmt.Errorf("report_id and content are required")
	}
	return s.comments.Add(ctx, c)
}

// Comments lists a report's comments in chronological order.
func (s *Service) Comments(ctx context.Context, reportID string) ([]Comment, error) {
	return s.comments.ListByReport(ctx, reportID)
}

// CommentCounts returns the comment count per report id.
func (s *Service) CommentCounts(ctx context.Context, reportIDs []string) (map[string]int, error) {
	return s.comments.CountByReports(ctx, reportIDs)
}
