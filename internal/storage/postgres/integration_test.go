//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// --- Vote Atomicity ---

func TestApplyVote_ConcurrentUpvotes(t *testing.T) {
	db := testDB(t)
	repo := NewReportRepository(db.GormDB())
	ctx := context.Background()

	report := &reports.Report{
		City:          reports.CitySF,
		StreetAddress: "1 Dr Carlton B Goodlett Pl",
		Description:   "pothole",
	}
	if err := repo.Create(ctx, report); err != nil {
		t.Fatalf("creating report: %v", err)
	}

	const numWorkers = 20
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			if _, _, err := repo.ApplyVote(ctx, report.ID, 1, 0); err != nil {
				t.Errorf("applying vote: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, report.ID)
	if err != nil {
		t.Fatalf("getting report: %v", err)
	}
	if got.Upvotes != numWorkers {
		t.Errorf("upvotes = %d, want %d", got.Upvotes, numWorkers)
	}
}

func TestApplyVote_FloorsAtZero(t *testing.T) {
	db := testDB(t)
	repo := NewReportRepository(db.GormDB())
	ctx := context.Background()

	report := &reports.Report{
		City:          reports.CityBoston,
		StreetAddress: "1 City Hall Square",
		Description:   "broken streetlight",
	}
	if err := repo.Create(ctx, report); err != nil {
		t.Fatalf("creating report: %v", err)
	}

	up, down, err := repo.ApplyVote(ctx, report.ID, -1, -1)
	if err != nil {
		t.Fatalf("applying vote: %v", err)
	}
	if up != 0 || down != 0 {
		t.Errorf("counts = (%d, %d), want (0, 0)", up, down)
	}
}

// --- Run Status Monotonicity ---

func TestUpdateRunStatus_TerminalIsFinal(t *testing.T) {
	db := testDB(t)
	repo := NewRunRepository(db.GormDB())
	ctx := context.Background()

	run := &orchestrator.Run{
		ID:     uuid.NewString(),
		Status: orchestrator.RunQueued,
		City:   "SF",
		Tasks:  []string{"anomaly", "cluster"},
	}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("creating run: %v", err)
	}

	for _, status := range []orchestrator.RunStatus{
		orchestrator.RunRunning,
		orchestrator.RunCompleted,
		orchestrator.RunFailed,  // ignored: terminal already reached
		orchestrator.RunRunning, // ignored: backward
	} {
		if err := repo.UpdateRunStatus(ctx, run.ID, status); err != nil {
			t.Fatalf("updating status to %s: %v", status, err)
		}
	}

	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("getting run: %v", err)
	}
	if got.Status != orchestrator.RunCompleted {
		t.Errorf("status = %s, want %s", got.Status, orchestrator.RunCompleted)
	}
}
