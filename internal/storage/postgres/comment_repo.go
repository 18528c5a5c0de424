package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/civicpulse/civicpulse/internal/reports"
)

// CommentRepository implements reports.CommentStore with GORM.
type CommentRepository struct {
	db *gorm.DB
}

// NewCommentRepository creates a CommentRepository.
func NewCommentRepository(db *gorm.DB) *CommentRepository {
	return &CommentRepository{db: db}
}

func (r *CommentRepository) Add(ctx context.Context, c *reports.Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.AuthorName == "" {
		c.AuthorName = "Anonymous User"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	model := toCommentModel(c)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("adding comment: %w", err)
	}
	return nil
}

func (r *CommentRepository) ListByReport(ctx context.Context, reportID string) ([]reports.Comment, error) {
	var models []CommentModel
	if err := r.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing comments for report %s: %w", reportID, err)
	}
	out := make([]reports.Comment, len(models))
	for i := range models {
		out[i] = toCommentDomain(&models[i])
	}
	return out, nil
}

func (r *CommentRepository) CountByReports(ctx context.Context, reportIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(reportIDs))
	for _, id := range reportIDs {
		counts[id] = 0
	}
	if len(reportIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		ReportID string
		N        int
	}
	if err := r.db.WithContext(ctx).
		Model(&CommentModel{}).
		Select("report_id, COUNT(*) AS n").
		Where("report_id IN ?", reportIDs).
		Group("report_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting comments: %w", err)
	}
	for _, row := range rows {
		counts[row.ReportID] = row.N
	}
	return counts, nil
}

// Compile-time check.
var _ reports.CommentStore = (*CommentRepository)(nil)
