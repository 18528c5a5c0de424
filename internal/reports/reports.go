// Package reports holds the civic-issue report domain: reports, comments,
// votes, and the store interfaces the storage backends implement.
package reports

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for report operations.
var (
	ErrReportNotFound = fmt.Errorf("report not found")
	ErrInvalidCity    = fmt.Errorf("invalid city")
	ErrInvalidVote    = fmt.Errorf("invalid vote action")
)

// City is a supported city code.
type City string

const (
	CitySF     City = "SF"
	CityBoston City = "BOSTON"
	CityNYC    City = "NYC"
)

// ParseCity normalizes a city string ("sf", "SF", "boston", ...) to a City.
func ParseCity(s string) (City, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SF":
		return CitySF, nil
	case "BOSTON":
		return CityBoston, nil
	case "NYC":
		return CityNYC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCity, s)
	}
}

// Cities returns all supported cities.
func Cities() []City {
	return []City{CitySF, CityBoston, CityNYC}
}

// GeocodeLabel returns the human label appended to addresses when geocoding.
func (c City) GeocodeLabel() string {
	switch c {
	case CityNYC:
		return "New York, NY"
	case CityBoston:
		return "Boston, MA"
	default:
		return "San Francisco, CA"
	}
}

// Report is a single civic issue report.
type Report struct {
	ID            string
	City          City
	StreetAddress string
	Latitude      float64
	Longitude     float64
	Description   string
	Images        []string
	Status        string
	Department    string
	Ranking       int
	Summary       string
	Upvotes       int
	Downvotes     int
	Source        string // "user", "sf311", "boston311"
	NativeID      string // upstream case id for ingested reports
	ReportedAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Comment is a threaded comment on a report.
type Comment struct {
	ID              string
	ReportID        string
	ParentCommentID string // empty for top-level comments
	AuthorName      string
	Content         string
	CreatedAt       time.Time
}

// VoteAction is a vote mutation requested by a client.
type VoteAction string

const (
	VoteUp     VoteAction = "up"
	VoteDown   VoteAction = "down"
	VoteRemove VoteAction = "remove"
)

// ParseVoteAction validates a vote action string.
func ParseVoteAction(s string) (VoteAction, error) {
	switch VoteAction(s) {
	case VoteUp, VoteDown, VoteRemove:
		return VoteAction(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVote, s)
	}
}

// VoteDeltas computes the up/down count deltas for an action, compensating
// for the voter's previous vote so counts stay consistent when a vote flips.
func VoteDeltas(action VoteAction, previous VoteAction) (up, down int) {
	switch action {
	case VoteRemove:
		if previous == VoteUp {
			up = -1
		}
		if previous == VoteDown {
			down = -1
		}
	case VoteUp:
		up = 1
		if previous == VoteDown {
			down = -1
		}
	case VoteDown:
		down = 1
		if previous == VoteUp {
			up = -1
		}
	}
	return up, down
}

// ListFilter narrows a report listing.
type ListFilter struct {
	Cities     []City
	Status     string
	Department string
	Limit      int
}

// ReportStore is the persistence interface for reports.
// Implementations must be safe for concurrent use.
type ReportStore interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	List(ctx context.Context, f ListFilter) ([]Report, error)

	// ApplyVote atomically adjusts vote counts, flooring both at zero,
	// and returns the resulting totals. Returns ErrReportNotFound for
	// unknown ids.
	ApplyVote(ctx context.Context, id string, upDelta, downDelta int) (up, down int, err error)

	// UpsertByNativeID inserts or refreshes an ingested report keyed by
	// (source, native id). Used by the 311 syncer.
	UpsertByNativeID(ctx context.Context, r *Report) error
}

// CommentStore is the persistence interface for comments.
type CommentStore interface {
	Add(ctx context.Context, c *Comment) error
	ListByReport(ctx context.Context, reportID string) ([]Comment, error)

	// CountByReports returns a comment count per report id. Ids with no
	// comments are present with a zero count.
	CountByReports(ctx context.Context, reportIDs []string) (map[string]int, error)
}
