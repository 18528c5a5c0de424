package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
	"github.com/civicpulse/civicpulse/internal/storage"
	"github.com/google/uuid"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open(Config{}, logger); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestDriver(t *testing.T) {
	s := testStore(t)
	if got := s.Driver(); got != storage.DriverSQLite {
		t.Errorf("Driver() = %q, want %q", got, storage.DriverSQLite)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestReportCreateGetList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pothole := &reports.Report{
		City:          reports.CitySF,
		StreetAddress: "Market St & 5th St",
		Latitude:      37.783,
		Longitude:     -122.407,
		Description:   "large pothole in the crosswalk",
		Status:        "Open",
		Department:    "Public Works",
		Source:        "user",
	}
	if err := s.Reports().Create(ctx, pothole); err != nil {
		t.Fatalf("creating report: %v", err)
	}
	if pothole.ID == "" {
		t.Fatal("expected generated report id")
	}

	light := &reports.Report{
		City:          reports.CityBoston,
		StreetAddress: "Beacon St",
		Description:   "streetlight out",
		Status:        "Open",
		Department:    "Transportation",
		Source:        "user",
	}
	if err := s.Reports().Create(ctx, light); err != nil {
		t.Fatalf("creating report: %v", err)
	}

	got, err := s.Reports().Get(ctx, pothole.ID)
	if err != nil {
		t.Fatalf("getting report: %v", err)
	}
	if got.City != reports.CitySF || got.Description != pothole.Description {
		t.Errorf("got %+v, want city=SF description=%q", got, pothole.Description)
	}

	sfOnly, err := s.Reports().List(ctx, reports.ListFilter{Cities: []reports.City{reports.CitySF}})
	if err != nil {
		t.Fatalf("listing reports: %v", err)
	}
	if len(sfOnly) != 1 || sfOnly[0].ID != pothole.ID {
		t.Errorf("city filter returned %d reports, want 1 (the SF report)", len(sfOnly))
	}

	byDept, err := s.Reports().List(ctx, reports.ListFilter{Department: "Transportation"})
	if err != nil {
		t.Fatalf("listing reports: %v", err)
	}
	if len(byDept) != 1 || byDept[0].ID != light.ID {
		t.Errorf("department filter returned %d reports, want 1", len(byDept))
	}

	if _, err := s.Reports().Get(ctx, "missing"); err == nil {
		t.Error("expected error for unknown report id")
	}
}

func TestApplyVoteFloorsAtZero(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &reports.Report{City: reports.CitySF, StreetAddress: "x", Description: "y"}
	if err := s.Reports().Create(ctx, r); err != nil {
		t.Fatalf("creating report: %v", err)
	}

	up, down, err := s.Reports().ApplyVote(ctx, r.ID, 1, 0)
	if err != nil {
		t.Fatalf("applying vote: %v", err)
	}
	if up != 1 || down != 0 {
		t.Errorf("counts = (%d, %d), want (1, 0)", up, down)
	}

	// Flip up -> down: compensation removes the upvote.
	up, down, err = s.Reports().ApplyVote(ctx, r.ID, -1, 1)
	if err != nil {
		t.Fatalf("applying vote: %v", err)
	}
	if up != 0 || down != 1 {
		t.Errorf("counts = (%d, %d), want (0, 1)", up, down)
	}

	// Deltas past zero are floored, not negative.
	up, down, err = s.Reports().ApplyVote(ctx, r.ID, -5, -5)
	if err != nil {
		t.Fatalf("applying vote: %v", err)
	}
	if up != 0 || down != 0 {
		t.Errorf("counts = (%d, %d), want (0, 0)", up, down)
	}

	if _, _, err := s.Reports().ApplyVote(ctx, "missing", 1, 0); err == nil {
		t.Error("expected error for unknown report id")
	}
}

func TestUpsertByNativeID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ingested := &reports.Report{
		City:          reports.CitySF,
		StreetAddress: "Mission St",
		Description:   "graffiti",
		Status:        "Open",
		Source:        "sf311",
		NativeID:      "case-123",
	}
	if err := s.Reports().UpsertByNativeID(ctx, ingested); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	// Vote on the stored row, then re-sync with a new status.
	if _, _, err := s.Reports().ApplyVote(ctx, ingested.ID, 1, 0); err != nil {
		t.Fatalf("applying vote: %v", err)
	}

	refresh := &reports.Report{
		City:        reports.CitySF,
		Description: "graffiti",
		Status:      "Closed",
		Source:      "sf311",
		NativeID:    "case-123",
	}
	if err := s.Reports().UpsertByNativeID(ctx, refresh); err != nil {
		t.Fatalf("re-upserting: %v", err)
	}

	all, err := s.Reports().List(ctx, reports.ListFilter{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d reports after re-sync, want 1", len(all))
	}
	if all[0].Status != "Closed" {
		t.Errorf("status = %q, want Closed", all[0].Status)
	}
	if all[0].Upvotes != 1 {
		t.Errorf("upvotes = %d, want local vote preserved", all[0].Upvotes)
	}
}

func TestCommentsThreadAndCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &reports.Report{City: reports.CityNYC, StreetAddress: "Broadway", Description: "noise"}
	if err := s.Reports().Create(ctx, r); err != nil {
		t.Fatalf("creating report: %v", err)
	}

	top := &reports.Comment{ReportID: r.ID, Content: "same here"}
	if err := s.Comments().Add(ctx, top); err != nil {
		t.Fatalf("adding comment: %v", err)
	}
	if top.AuthorName != "Anonymous User" {
		t.Errorf("author = %q, want default Anonymous User", top.AuthorName)
	}

	reply := &reports.Comment{ReportID: r.ID, ParentCommentID: top.ID, AuthorName: "ana", Content: "reported it too"}
	if err := s.Comments().Add(ctx, reply); err != nil {
		t.Fatalf("adding reply: %v", err)
	}

	list, err := s.Comments().ListByReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("listing comments: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d comments, want 2", len(list))
	}
	if list[0].ID != top.ID {
		t.Errorf("comments not in chronological order")
	}
	if list[1].ParentCommentID != top.ID {
		t.Errorf("reply parent = %q, want %q", list[1].ParentCommentID, top.ID)
	}

	counts, err := s.Comments().CountByReports(ctx, []string{r.ID, "missing"})
	if err != nil {
		t.Fatalf("counting comments: %v", err)
	}
	if counts[r.ID] != 2 {
		t.Errorf("count[%s] = %d, want 2", r.ID, counts[r.ID])
	}
	if n, ok := counts["missing"]; !ok || n != 0 {
		t.Errorf("count[missing] = %d (present=%v), want 0 entry", n, ok)
	}
}

func TestRunStoreLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &orchestrator.Run{
		ID:          uuid.NewString(),
		Status:      orchestrator.RunQueued,
		City:        "SF",
		Tasks:       []string{"anomaly", "cluster", "causal", "synthesize"},
		InputSource: "policy-run",
	}
	if err := s.Runs().CreateRun(ctx, run); err != nil {
		t.Fatalf("creating run: %v", err)
	}

	for _, status := range []orchestrator.RunStatus{
		orchestrator.RunRunning,
		orchestrator.RunCompleted,
		orchestrator.RunFailed,  // ignored: terminal reached
		orchestrator.RunRunning, // ignored: backward
	} {
		if err := s.Runs().UpdateRunStatus(ctx, run.ID, status); err != nil {
			t.Fatalf("updating status to %s: %v", status, err)
		}
	}

	got, err := s.Runs().GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("getting run: %v", err)
	}
	if got.Status != orchestrator.RunCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if len(got.Tasks) != 4 || got.Tasks[0] != "anomaly" {
		t.Errorf("tasks = %v, want scheduled agent names", got.Tasks)
	}

	for i, level := range []orchestrator.EventLevel{orchestrator.LevelStarted, orchestrator.LevelToken, orchestrator.LevelDone} {
		ev := &orchestrator.RunEvent{
			RunID:   run.ID,
			Agent:   orchestrator.AgentOrchestrator,
			Level:   level,
			Message: strings.Repeat("x", i+1),
		}
		if err := s.Runs().AppendEvent(ctx, ev); err != nil {
			t.Fatalf("appending event: %v", err)
		}
		if ev.ID == 0 {
			t.Error("expected assigned event id")
		}
	}

	events, err := s.Runs().ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Level != orchestrator.LevelStarted || events[2].Level != orchestrator.LevelDone {
		t.Errorf("events out of order: %v", events)
	}

	if err := s.Runs().AddArtifact(ctx, &orchestrator.Artifact{RunID: run.ID, Kind: "policy_brief", Meta: `{"chars":42}`}); err != nil {
		t.Fatalf("adding artifact: %v", err)
	}

	runs, err := s.Runs().ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d runs, want 1", len(runs))
	}
}
