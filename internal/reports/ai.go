package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/civicpulse/civicpulse/internal/llm"
)

const summarySystemPrompt = `
You are an expert city service analyst. Given a report, summarize and grade the report.
Each report will have the following information:

interface Issue {
  street_address: string;
  coordinates: [number, number]; // [lat, lon]
  images?: string;                // optional
  timestamp: string;
  description: string;
}

Street Address and coordinates: may be used to determine severity based on location.
Description: The main description of the issue at hand.
Images: Contains supplemental information about the issue to the description. Also provides unbiased evidence to the description, which is important for determining severity.
Timestamp: The time the report was created. Reports with very recent timestamps are more critical than reports with older timestamps.

Your output should be a summary of the report and a grade from 1-10 for the report.
{
    "summary": string; // A summary of the report based on the description and images provided
    "importance": number; // A grade from 1-10 for the importance of the report (based on description, image, timestamp, street address, and coordinates)
}

It is vital that you also have a bullshit detector and take descriptions and images with a grain of salt. If the description is clearly biased, you should give it a lower score for importance.

Respond with only the JSON object, no other text.`

const compareSystemPrompt = `
You are an expert city service analyst. Compare these two reports and determine which one is more critical and should be handled first.
For each report, you will be given the following information:

interface Issue {
  street_address: string;
  coordinates: [number, number]; // [lat, lon]
  images?: string;                // optional
  timestamp: string;
  description: string;
}

Street Address and coordinates: may be used to determine severity based on location.
Description: The main description of the issue at hand.
Images: Contains supplemental information about the issue to the description. Also provides unbiased evidence to the description, which is important for determining severity.
Timestamp: The time the report was created. Reports with very recent timestamps are more critical than reports with older timestamps.

It is vital that you also have a bullshit detector and take descriptions and images with a grain of salt. If the description is clearly biased, you should give it a lower score.

Respond with only a JSON object {"ranking": number, "reasoning": string} where ranking is 1 if report 1 is more critical and 2 if report 2 is more critical. No other text.`

// Grade is the structured result of Summarize.
type Grade struct {
	Summary    string `json:"summary"`
	Importance int    `json:"importance"` // 1-10
}

// Comparison is the structured result of Compare.
type Comparison struct {
	Ranking   int    `json:"ranking"` // 1 or 2
	Reasoning string `json:"reasoning"`
}

// Grader runs one-shot structured LLM calls that score reports.
type Grader struct {
	provider llm.Provider
	logger   *slog.Logger
}

// NewGrader creates a Grader on top of any llm.Provider.
func NewGrader(provider llm.Provider, logger *slog.Logger) *Grader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Grader{provider: provider, logger: logger}
}

// Summarize produces a summary and a 1-10 importance grade for a report.
func (g *Grader) Summarize(ctx context.Context, r *Report) (*Grade, error) {
	resp, err := g.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: summarySystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: issuePayload(r)},
		},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("summarizing report %s: %w", r.ID, err)
	}

	var grade Grade
	if err := decodeJSONReply(resp.Content, &grade); err != nil {
		return nil, fmt.Errorf("parsing summary for report %s: %w", r.ID, err)
	}
	grade.Importance = clampGrade(grade.Importance)
	return &grade, nil
}

// Compare decides which of two reports is more critical. Ranking 1 means the
// first report, 2 the second.
func (g *Grader) Compare(ctx context.Context, first, second *Report) (*Comparison, error) {
	prompt := fmt.Sprintf("Report 1:\n%s\n\nReport 2:\n%s", issuePayload(first), issuePayload(second))
	resp, err := g.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: compareSystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("comparing reports: %w", err)
	}

	var cmp Comparison
	if err := decodeJSONReply(resp.Content, &cmp); err != nil {
		return nil, fmt.Errorf("parsing comparison: %w", err)
	}
	if cmp.Ranking != 1 && cmp.Ranking != 2 {
		return nil, fmt.Errorf("comparison ranking %d out of range", cmp.Ranking)
	}
	return &cmp, nil
}

// issuePayload renders a report in the Issue shape the system prompts describe.
func issuePayload(r *Report) string {
	payload := map[string]any{
		"street_address": r.StreetAddress,
		"coordinates":    []float64{r.Latitude, r.Longitude},
		"timestamp":      r.ReportedAt.Format("2006-01-02T15:04:05Z07:00"),
		"description":    r.Description,
	}
	if len(r.Images) > 0 {
		payload["images"] = r.Images[0]
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// decodeJSONReply parses a JSON object out of a model reply, tolerating
// markdown code fences around the payload.
func decodeJSONReply(reply string, v any) error {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("model reply is not valid JSON: %w", err)
	}
	return nil
}

func clampGrade(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}
