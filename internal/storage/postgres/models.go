package postgres

import (
	"encoding/json"
	"time"
)

// JSONB is a json.RawMessage stored in a jsonb column.
type JSONB json.RawMessage

// ReportModel maps to the "reports" table.
type ReportModel struct {
	ID            string  `gorm:"primaryKey"`
	City          string  `gorm:"not null;index:idx_reports_city_time"`
	StreetAddress string  `gorm:"not null"`
	Latitude      float64 `gorm:"not null"`
	Longitude     float64 `gorm:"not null"`
	Description   string  `gorm:"type:text;not null"`
	Images        JSONB   `gorm:"type:jsonb;not null;default:'[]'"`
	Status        string  `gorm:"index"`
	Department    string  `gorm:"index"`
	Ranking       int     `gorm:"not null;default:999"`
	Summary       string  `gorm:"type:text"`
	Upvotes       int     `gorm:"not null;default:0"`
	Downvotes     int     `gorm:"not null;default:0"`
	Source        string  `gorm:"not null;default:'user';index:idx_reports_source_native"`
	NativeID      string  `gorm:"not null;default:'';index:idx_reports_source_native"`
	ReportedAt    time.Time `gorm:"index:idx_reports_city_time"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ReportModel) TableName() string { return "reports" }

// CommentModel maps to the "comments" table.
// Append-only. No UpdatedAt or DeletedAt.
type CommentModel struct {
	ID              string    `gorm:"primaryKey"`
	ReportID        string    `gorm:"not null;index"`
	ParentCommentID string    `gorm:"not null;default:''"`
	AuthorName      string    `gorm:"not null;default:'Anonymous User'"`
	Content         string    `gorm:"type:text;not null"`
	CreatedAt       time.Time `gorm:"index"`
}

func (CommentModel) TableName() string { return "comments" }

// RunModel maps to the "runs" table.
type RunModel struct {
	ID          string `gorm:"primaryKey"`
	Status      string `gorm:"not null;default:'queued';index"`
	City        string
	Tasks       JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	InputSource string `gorm:"not null;default:''"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (RunModel) TableName() string { return "runs" }

// RunEventModel maps to the "run_events" table.
// Append-only. No UpdatedAt or DeletedAt — the run event log is immutable.
type RunEventModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"not null;index:idx_run_events_run"`
	Agent     string `gorm:"not null"`
	Level     string `gorm:"not null"`
	Message   string `gorm:"type:text"`
	Data      JSONB  `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"index:idx_run_events_run"`
}

func (RunEventModel) TableName() string { return "run_events" }

// ArtifactModel maps to the "run_artifacts" table.
type ArtifactModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"not null;index"`
	Kind      string `gorm:"not null"`
	URI       string
	Meta      JSONB `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (ArtifactModel) TableName() string { return "run_artifacts" }
