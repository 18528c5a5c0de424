package reports

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/civicpulse/civicpulse/internal/geo"
)

type fakeGeocoder struct {
	points  map[string]geo.Point
	queries []string
	mu      sync.Mutex
}

func (f *fakeGeocoder) Geocode(_ context.Context, query string) (geo.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if pt, ok := f.points[query]; ok {
		return pt, nil
	}
	return geo.Point{}, geo.ErrNoResult
}

type fakeReportStore struct {
	mu      sync.Mutex
	reports map[string]*Report
	nextID  int
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{reports: make(map[string]*Report)}
}

func (f *fakeReportStore) Create(_ context.Context, r *Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if r.ID == "" {
		r.ID = strings.Repeat("r", f.nextID)
	}
	cp := *r
	f.reports[r.ID] = &cp
	return nil
}

func (f *fakeReportStore) Get(_ context.Context, id string) (*Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeReportStore) List(_ context.Context, filter ListFilter) ([]Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Report
	for _, r := range f.reports {
		out = append(out, *r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeReportStore) ApplyVote(_ context.Context, id string, upDelta, downDelta int) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[id]
	if !ok {
		return 0, 0, ErrReportNotFound
	}
	r.Upvotes = max(0, r.Upvotes+upDelta)
	r.Downvotes = max(0, r.Downvotes+downDelta)
	return r.Upvotes, r.Downvotes, nil
}

func (f *fakeReportStore) UpsertByNativeID(ctx context.Context, r *Report) error {
	return f.Create(ctx, r)
}

type fakeCommentStore struct {
	mu       sync.Mutex
	comments []Comment
}

func (f *fakeCommentStore) Add(_ context.Context, c *Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.AuthorName == "" {
		c.AuthorName = "Anonymous User"
	}
	c.ID = strings.Repeat("c", len(f.comments)+1)
	f.comments = append(f.comments, *c)
	return nil
}

func (f *fakeCommentStore) ListByReport(_ context.Context, reportID string) ([]Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Comment
	for _, c := range f.comments {
		if c.ReportID == reportID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCommentStore) CountByReports(_ context.Context, ids []string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id] = 0
	}
	for _, c := range f.comments {
		if _, ok := counts[c.ReportID]; ok {
			counts[c.ReportID]++
		}
	}
	return counts, nil
}

func TestServiceCreateGeocodesAddress(t *testing.T) {
	gc := &fakeGeocoder{points: map[string]geo.Point{
		"Market St & 5th St, San Francisco, CA": {Longitude: -122.407, Latitude: 37.783},
	}}
	store := newFakeReportStore()
	svc := NewService(store, &fakeCommentStore{}, gc, nil)

	report, err := svc.Create(context.Background(), CreateInput{
		City:          CitySF,
		StreetAddress: "Market St & 5th St",
		Description:   "pothole",
		ImageURL:      "https://img.example/1.jpg",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if report.Latitude != 37.783 || report.Longitude != -122.407 {
		t.Errorf("coordinates = (%f, %f)", report.Latitude, report.Longitude)
	}
	if report.Source != "user" {
		t.Errorf("source = %q, want user", report.Source)
	}
	if report.Ranking != 999 {
		t.Errorf("ranking = %d, want 999", report.Ranking)
	}
	if report.Summary != "pothole" {
		t.Errorf("summary = %q, want the description", report.Summary)
	}
	if len(report.Images) != 1 {
		t.Errorf("images = %v", report.Images)
	}
	if len(gc.queries) != 1 || !strings.HasSuffix(gc.queries[0], "San Francisco, CA") {
		t.Errorf("geocode queries = %v, want address with city label", gc.queries)
	}
}

func TestServiceCreateRejectsUngecodableAddress(t *testing.T) {
	svc := NewService(newFakeReportStore(), &fakeCommentStore{}, &fakeGeocoder{}, nil)
	_, err := svc.Create(context.Background(), CreateInput{
		City:          CityBoston,
		StreetAddress: "nowhere at all",
		Description:   "x",
	})
	if err == nil {
		t.Fatal("expected error when geocoding fails")
	}
}

func TestServiceCreateValidation(t *testing.T) {
	svc := NewService(newFakeReportStore(), &fakeCommentStore{}, &fakeGeocoder{}, nil)
	if _, err := svc.Create(context.Background(), CreateInput{Description: "x"}); err == nil {
		t.Error("expected error without street address")
	}
	if _, err := svc.Create(context.Background(), CreateInput{StreetAddress: "x"}); err == nil {
		t.Error("expected error without description")
	}
}

func TestServiceVoteCompensatesPrevious(t *testing.T) {
	store := newFakeReportStore()
	r := &Report{City: CitySF, Description: "x", Upvotes: 3, Downvotes: 1}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	svc := NewService(store, &fakeCommentStore{}, &fakeGeocoder{}, nil)

	up, down, err := svc.Vote(context.Background(), r.ID, VoteDown, VoteUp)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if up != 2 || down != 2 {
		t.Errorf("counts = (%d, %d), want (2, 2)", up, down)
	}
}

func TestServiceListClampsLimit(t *testing.T) {
	store := newFakeReportStore()
	svc := NewService(store, &fakeCommentStore{}, &fakeGeocoder{}, nil)

	if _, err := svc.List(context.Background(), ListFilter{Limit: -5}); err != nil {
		t.Fatalf("List: %v", err)
	}
	// The fake records nothing about the clamp itself; exercise the bounds.
	if _, err := svc.List(context.Background(), ListFilter{Limit: 50000}); err != nil {
		t.Fatalf("List: %v", err)
	}
}

func TestServiceComments(t *testing.T) {
	store := newFakeReportStore()
	comments := &fakeCommentStore{}
	svc := NewService(store, comments, &fakeGeocoder{}, nil)
	ctx := context.Background()

	c := &Comment{ReportID: "r1", Content: "me too"}
	if err := svc.AddComment(ctx, c); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if c.AuthorName != "Anonymous User" {
		t.Errorf("author = %q, want default", c.AuthorName)
	}

	if err := svc.AddComment(ctx, &Comment{ReportID: "r1"}); err == nil {
		t.Error("expected error for empty content")
	}

	list, err := svc.Comments(ctx, "r1")
	if err != nil || len(list) != 1 {
		t.Fatalf("Comments = (%v, %v), want 1 comment", list, err)
	}

	counts, err := svc.CommentCounts(ctx, []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("CommentCounts: %v", err)
	}
	if counts["r1"] != 1 || counts["r2"] != 0 {
		t.Errorf("counts = %v", counts)
	}
}
