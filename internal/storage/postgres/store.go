package postgres

import (
	"context"
	"sync"

	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
	"github.com/civicpulse/civicpulse/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu       sync.Mutex
	reports  reports.ReportStore
	comments reports.CommentStore
	runs     orchestrator.RunStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Reports() reports.ReportStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reports == nil {
		s.reports = NewReportRepository(s.pgDB.GormDB())
	}
	return s.reports
}

func (s *Store) Comments() reports.CommentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.comments == nil {
		s.comments = NewCommentRepository(s.pgDB.GormDB())
	}
	return s.comments
}

func (s *Store) Runs() orchestrator.RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = NewRunRepository(s.pgDB.GormDB())
	}
	return s.runs
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
