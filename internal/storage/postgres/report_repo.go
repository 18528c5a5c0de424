package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/civicpulse/civicpulse/internal/reports"
)

// ReportRepository implements reports.ReportStore with GORM.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a ReportRepository.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) Create(ctx context.Context, report *reports.Report) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = now
	}
	report.UpdatedAt = now

	model := toReportModel(report)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	return nil
}

func (r *ReportRepository) Get(ctx context.Context, id string) (*reports.Report, error) {
	var model ReportModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reports.ErrReportNotFound
		}
		return nil, fmt.Errorf("getting report %s: %w", id, err)
	}
	return toReportDomain(&model), nil
}

func (r *ReportRepository) List(ctx context.Context, f reports.ListFilter) ([]reports.Report, error) {
	q := r.db.WithContext(ctx).Model(&ReportModel{}).Order("reported_at DESC")
	if len(f.Cities) > 0 {
		cities := make([]string, len(f.Cities))
		for i, c := range f.Cities {
			cities[i] = string(c)
		}
		q = q.Where("city IN ?", cities)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Department != "" {
		q = q.Where("department = ?", f.Department)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []ReportModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	out := make([]reports.Report, len(models))
	for i := range models {
		out[i] = *toReportDomain(&models[i])
	}
	return out, nil
}

func (r *ReportRepository) ApplyVote(ctx context.Context, id string, upDelta, downDelta int) (int, int, error) {
	var up, down int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Single-statement conditional update keeps the floor-at-zero
		// arithmetic atomic on both backends.
		res := tx.Model(&ReportModel{}).Where("id = ?", id).Updates(map[string]any{
			"upvotes":    gorm.Expr("CASE WHEN upvotes + ? < 0 THEN 0 ELSE upvotes + ? END", upDelta, upDelta),
			"downvotes":  gorm.Expr("CASE WHEN downvotes + ? < 0 THEN 0 ELSE downvotes + ? END", downDelta, downDelta),
			"updated_at": time.Now().UTC(),
		})
		if res.Error != nil {
			return fmt.Errorf("applying vote: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return reports.ErrReportNotFound
		}

		var model ReportModel
		if err := tx.Select("upvotes", "downvotes").First(&model, "id = ?", id).Error; err != nil {
			return fmt.Errorf("reading vote counts: %w", err)
		}
		up, down = model.Upvotes, model.Downvotes
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return up, down, nil
}

func (r *ReportRepository) UpsertByNativeID(ctx context.Context, report *reports.Report) error {
	if report.Source == "" || report.NativeID == "" {
		return fmt.Errorf("source and native id are required for upsert")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ReportModel
		err := tx.First(&existing, "source = ? AND native_id = ?", report.Source, report.NativeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if report.ID == "" {
				report.ID = uuid.NewString()
			}
			now := time.Now().UTC()
			if report.CreatedAt.IsZero() {
				report.CreatedAt = now
			}
			report.UpdatedAt = now
			model := toReportModel(report)
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("inserting ingested report: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up ingested report: %w", err)
		}

		// Refresh the mutable upstream fields, preserving local votes.
		updates := map[string]any{
			"status":      report.Status,
			"description": report.Description,
			"department":  report.Department,
			"updated_at":  time.Now().UTC(),
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("refreshing ingested report: %w", err)
		}
		return nil
	})
}

// Compile-time check.
var _ reports.ReportStore = (*ReportRepository)(nil)
