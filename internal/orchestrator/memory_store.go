package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryRunStore implements RunStore using in-memory maps.
// Used when no database is configured, and in tests.
type InMemoryRunStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	events    map[string][]RunEvent
	artifacts map[string][]Artifact
	nextEvent int64
}

// NewInMemoryRunStore creates an empty in-memory run store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs:      make(map[string]*Run),
		events:    make(map[string][]RunEvent),
		artifacts: make(map[string][]Artifact),
	}
}

func (s *InMemoryRunStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	if run.Tasks != nil {
		cp.Tasks = make([]string, len(run.Tasks))
		copy(cp.Tasks, run.Tasks)
	}
	s.runs[run.ID] = &cp
	return nil
}

func (s *InMemoryRunStore) UpdateRunStatus(_ context.Context, id string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	// Backward and terminal-state transitions are ignored, not errors.
	if !run.Status.CanTransitionTo(status) {
		return nil
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryRunStore) AppendEvent(_ context.Context, ev *RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	cp := *ev
	cp.ID = s.nextEvent
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], cp)
	return nil
}

func (s *InMemoryRunStore) AddArtifact(_ context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.ID = int64(len(s.artifacts[a.RunID]) + 1)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], cp)
	return nil
}

func (s *InMemoryRunStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	cp := *run
	cp.Tasks = append([]string(nil), run.Tasks...)
	return &cp, nil
}

func (s *InMemoryRunStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		cp := *r
		cp.Tasks = append([]string(nil), r.Tasks...)
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryRunStore) ListEvents(_ context.Context, runID string) ([]RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RunEvent(nil), s.events[runID]...), nil
}

// Compile-time check.
var _ RunStore = (*InMemoryRunStore)(nil)
