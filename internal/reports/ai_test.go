package reports

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/civicpulse/civicpulse/internal/llm"
)

type scriptedProvider struct {
	reply    string
	err      error
	lastReq  *llm.Request
}

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.reply, StopReason: "end_turn"}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func sampleReport() *Report {
	return &Report{
		ID:            "r1",
		City:          CitySF,
		StreetAddress: "Market St & 5th St",
		Latitude:      37.783,
		Longitude:     -122.407,
		Description:   "water main break flooding the intersection",
		ReportedAt:    time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestSummarize(t *testing.T) {
	p := &scriptedProvider{reply: `{"summary":"Water main break at Market & 5th.","importance":9}`}
	g := NewGrader(p, nil)

	grade, err := g.Summarize(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if grade.Importance != 9 {
		t.Errorf("importance = %d, want 9", grade.Importance)
	}
	if !strings.Contains(grade.Summary, "Water main") {
		t.Errorf("summary = %q", grade.Summary)
	}
	if !strings.Contains(p.lastReq.Messages[0].Content, "water main break") {
		t.Errorf("prompt missing description: %s", p.lastReq.Messages[0].Content)
	}
}

func TestSummarizeToleratesCodeFences(t *testing.T) {
	p := &scriptedProvider{reply: "```json\n{\"summary\":\"ok\",\"importance\":3}\n```"}
	g := NewGrader(p, nil)

	grade, err := g.Summarize(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if grade.Importance != 3 {
		t.Errorf("importance = %d, want 3", grade.Importance)
	}
}

func TestSummarizeClampsGrade(t *testing.T) {
	p := &scriptedProvider{reply: `{"summary":"x","importance":42}`}
	g := NewGrader(p, nil)
	grade, err := g.Summarize(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if grade.Importance != 10 {
		t.Errorf("importance = %d, want clamped to 10", grade.Importance)
	}
}

func TestSummarizeRejectsGarbage(t *testing.T) {
	p := &scriptedProvider{reply: "I cannot help with that."}
	g := NewGrader(p, nil)
	if _, err := g.Summarize(context.Background(), sampleReport()); err == nil {
		t.Fatal("expected error for non-JSON reply")
	}
}

func TestCompare(t *testing.T) {
	p := &scriptedProvider{reply: `{"ranking":2,"reasoning":"the second report is a safety hazard"}`}
	g := NewGrader(p, nil)

	other := sampleReport()
	other.ID = "r2"
	other.Description = "gas leak near a school"

	cmp, err := g.Compare(context.Background(), sampleReport(), other)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.Ranking != 2 {
		t.Errorf("ranking = %d, want 2", cmp.Ranking)
	}
	if !strings.Contains(p.lastReq.Messages[0].Content, "Report 1:") ||
		!strings.Contains(p.lastReq.Messages[0].Content, "Report 2:") {
		t.Errorf("prompt missing report sections: %s", p.lastReq.Messages[0].Content)
	}
}

func TestCompareRejectsOutOfRangeRanking(t *testing.T) {
	p := &scriptedProvider{reply: `{"ranking":3,"reasoning":"x"}`}
	g := NewGrader(p, nil)
	if _, err := g.Compare(context.Background(), sampleReport(), sampleReport()); err == nil {
		t.Fatal("expected error for ranking out of range")
	}
}
