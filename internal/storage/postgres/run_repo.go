package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/civicpulse/civicpulse/internal/orchestrator"
)

// RunRepository implements orchestrator.RunStore with GORM.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) CreateRun(ctx context.Context, run *orchestrator.Run) error {
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// UpdateRunStatus advances a run's status. Backward transitions and
// terminal-state rewrites match zero rows and are silently ignored, which
// makes the operation idempotent under concurrent writers.
func (r *RunRepository) UpdateRunStatus(ctx context.Context, id string, status orchestrator.RunStatus) error {
	prior := priorStatuses(status)
	if len(prior) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ? AND status IN ?", id, prior).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating run %s status: %w", id, res.Error)
	}
	return nil
}

// priorStatuses lists the statuses a run may hold immediately before status.
func priorStatuses(status orchestrator.RunStatus) []string {
	switch status {
	case orchestrator.RunRunning:
		return []string{string(orchestrator.RunQueued)}
	case orchestrator.RunCompleted, orchestrator.RunFailed:
		return []string{string(orchestrator.RunQueued), string(orchestrator.RunRunning)}
	default:
		return nil
	}
}

func (r *RunRepository) AppendEvent(ctx context.Context, ev *orchestrator.RunEvent) error {
	model := toRunEventModel(ev)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending run event: %w", err)
	}
	ev.ID = model.ID
	return nil
}

func (r *RunRepository) AddArtifact(ctx context.Context, a *orchestrator.Artifact) error {
	model := toArtifactModel(a)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("adding run artifact: %w", err)
	}
	a.ID = model.ID
	return nil
}

func (r *RunRepository) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	var model RunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return toRunDomain(&model), nil
}

func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]orchestrator.Run, error) {
	q := r.db.WithContext(ctx).Model(&RunModel{}).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out := make([]orchestrator.Run, len(models))
	for i := range models {
		out[i] = *toRunDomain(&models[i])
	}
	return out, nil
}

func (r *RunRepository) ListEvents(ctx context.Context, runID string) ([]orchestrator.RunEvent, error) {
	var models []RunEventModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing events for run %s: %w", runID, err)
	}
	out := make([]orchestrator.RunEvent, len(models))
	for i := range models {
		out[i] = toRunEventDomain(&models[i])
	}
	return out, nil
}

// Compile-time check.
var _ orchestrator.RunStore = (*RunRepository)(nil)
