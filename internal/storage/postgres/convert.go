package postgres

import (
	"encoding/json"

	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
)

// --- Report ---

func toReportModel(r *reports.Report) ReportModel {
	images, _ := json.Marshal(r.Images)
	if images == nil {
		images = []byte("[]")
	}
	return ReportModel{
		ID:            r.ID,
		City:          string(r.City),
		StreetAddress: r.StreetAddress,
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		Description:   r.Description,
		Images:        JSONB(images),
		Status:        r.Status,
		Department:    r.Department,
		Ranking:       r.Ranking,
		Summary:       r.Summary,
		Upvotes:       r.Upvotes,
		Downvotes:     r.Downvotes,
		Source:        r.Source,
		NativeID:      r.NativeID,
		ReportedAt:    r.ReportedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func toReportDomain(m *ReportModel) *reports.Report {
	var images []string
	if len(m.Images) > 0 {
		_ = json.Unmarshal([]byte(m.Images), &images)
	}
	return &reports.Report{
		ID:            m.ID,
		City:          reports.City(m.City),
		StreetAddress: m.StreetAddress,
		Latitude:      m.Latitude,
		Longitude:     m.Longitude,
		Description:   m.Description,
		Images:        images,
		Status:        m.Status,
		Department:    m.Department,
		Ranking:       m.Ranking,
		Summary:       m.Summary,
		Upvotes:       m.Upvotes,
		Downvotes:     m.Downvotes,
		Source:        m.Source,
		NativeID:      m.NativeID,
		ReportedAt:    m.ReportedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// --- Comment ---

func toCommentModel(c *reports.Comment) CommentModel {
	return CommentModel{
		ID:              c.ID,
		ReportID:        c.ReportID,
		ParentCommentID: c.ParentCommentID,
		AuthorName:      c.AuthorName,
		Content:         c.Content,
		CreatedAt:       c.CreatedAt,
	}
}

func toCommentDomain(m *CommentModel) reports.Comment {
	return reports.Comment{
		ID:              m.ID,
		ReportID:        m.ReportID,
		ParentCommentID: m.ParentCommentID,
		AuthorName:      m.AuthorName,
		Content:         m.Content,
		CreatedAt:       m.CreatedAt,
	}
}

// --- Run ---

func toRunModel(r *orchestrator.Run) RunModel {
	tasks, _ := json.Marshal(r.Tasks)
	if tasks == nil {
		tasks = []byte("[]")
	}
	return RunModel{
		ID:          r.ID,
		Status:      string(r.Status),
		City:        r.City,
		Tasks:       JSONB(tasks),
		InputSource: r.InputSource,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toRunDomain(m *RunModel) *orchestrator.Run {
	var tasks []string
	if len(m.Tasks) > 0 {
		_ = json.Unmarshal([]byte(m.Tasks), &tasks)
	}
	return &orchestrator.Run{
		ID:          m.ID,
		Status:      orchestrator.RunStatus(m.Status),
		City:        m.City,
		Tasks:       tasks,
		InputSource: m.InputSource,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toRunEventModel(ev *orchestrator.RunEvent) RunEventModel {
	var data JSONB
	if ev.Data != "" {
		data = JSONB(ev.Data)
	}
	return RunEventModel{
		RunID:     ev.RunID,
		Agent:     ev.Agent,
		Level:     string(ev.Level),
		Message:   ev.Message,
		Data:      data,
		CreatedAt: ev.CreatedAt,
	}
}

func toRunEventDomain(m *RunEventModel) orchestrator.RunEvent {
	return orchestrator.RunEvent{
		ID:        m.ID,
		RunID:     m.RunID,
		Agent:     m.Agent,
		Level:     orchestrator.EventLevel(m.Level),
		Message:   m.Message,
		Data:      string(m.Data),
		CreatedAt: m.CreatedAt,
	}
}

func toArtifactModel(a *orchestrator.Artifact) ArtifactModel {
	var meta JSONB
	if a.Meta != "" {
		meta = JSONB(a.Meta)
	}
	return ArtifactModel{
		RunID:     a.RunID,
		Kind:      a.Kind,
		URI:       a.URI,
		Meta:      meta,
		CreatedAt: a.CreatedAt,
	}
}
