package gemini

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/civicpulse/civicpulse/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected x-goog-api-key test-key, got %q", r.Header.Get("x-goog-api-key"))
		}
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.SystemInstruction == nil {
			t.Fatal("expected system instruction")
		}
		if len(req.Contents) != 1 {
			t.Fatalf("expected 1 content, got %d", len(req.Contents))
		}
		if req.Contents[0].Role != "user" {
			t.Errorf("expected user role, got %q", req.Contents[0].Role)
		}

		resp := apiResponse{
			Candidates: []apiCandidate{{
				Content:      apiContent{Role: "model", Parts: []apiPart{{Text: "Grade: C. Recurring issue."}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &apiUsage{PromptTokenCount: 10, CandidatesTokenCount: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gemini-2.0-flash", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You grade civic issue reports.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Broken streetlight on Main St"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Grade: C. Recurring issue." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.StopReason != llm.StopEndTurn {
		t.Errorf("stop reason = %q, want %q", resp.StopReason, llm.StopEndTurn)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestSendMessage_FunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if len(req.Tools) != 1 || len(req.Tools[0].FunctionDeclarations) != 1 {
			t.Fatalf("expected 1 tool declaration, got %+v", req.Tools)
		}
		if req.Tools[0].FunctionDeclarations[0].Name != "query_reports" {
			t.Errorf("expected tool query_reports, got %q", req.Tools[0].FunctionDeclarations[0].Name)
		}

		resp := apiResponse{
			Candidates: []apiCandidate{{
				Content: apiContent{
					Role: "model",
					Parts: []apiPart{{
						FunctionCall: &apiFunctionCall{
							Name: "query_reports",
							Args: map[string]any{"city": "SF", "category": "pothole"},
						},
					}},
				},
				FinishReason: "STOP",
			}},
			UsageMetadata: &apiUsage{PromptTokenCount: 20, CandidatesTokenCount: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gemini-2.0-flash", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "how many open potholes in SF?"}},
		Tools: []llm.ToolDefinition{{
			Name:        "query_reports",
			Description: "Query stored civic issue reports",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Gemini reports STOP even when calling a function; the call itself
	// decides the stop reason.
	if resp.StopReason != llm.StopToolUse {
		t.Errorf("stop reason = %q, want %q", resp.StopReason, llm.StopToolUse)
	}
	if !resp.HasToolUse() {
		t.Error("expected HasToolUse() to return true")
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 tool use block, got %d", len(blocks))
	}
	if blocks[0].Name != "query_reports" {
		t.Errorf("tool name = %q, want query_reports", blocks[0].Name)
	}
	if blocks[0].ID != "gemini-call-0" {
		t.Errorf("synthetic ID = %q, want gemini-call-0", blocks[0].ID)
	}
}

func TestSendMessage_FunctionResultRoundTrip(t *testing.T) {
	var capturedReq apiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		resp := apiResponse{
			Candidates: []apiCandidate{{
				Content:      apiContent{Role: "model", Parts: []apiPart{{Text: "17 open pothole reports."}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &apiUsage{PromptTokenCount: 30, CandidatesTokenCount: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gemini-2.0-flash", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You grade civic issue reports.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "how many open potholes?"},
			{
				Role: llm.RoleAssistant,
				ContentBlocks: []llm.ContentBlock{
					llm.ToolUseBlock("gemini-call-0", "query_reports", map[string]any{"category": "pothole"}),
				},
			},
			{
				Role: llm.RoleUser,
				ContentBlocks: []llm.ContentBlock{
					llm.ToolResultBlock("gemini-call-0", `{"count":17}`, false),
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// user + model (function call) + user (function response) = 3 contents.
	if len(capturedReq.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(capturedReq.Contents))
	}

	modelContent := capturedReq.Contents[1]
	if modelContent.Role != "model" {
		t.Errorf("expected model role, got %q", modelContent.Role)
	}
	if len(modelContent.Parts) != 1 || modelContent.Parts[0].FunctionCall == nil {
		t.Fatal("expected functionCall part in model content")
	}
	if modelContent.Parts[0].FunctionCall.Name != "query_reports" {
		t.Errorf("function name = %q, want query_reports", modelContent.Parts[0].FunctionCall.Name)
	}

	// The result resolves back to the called function's name.
	resultContent := capturedReq.Contents[2]
	if resultContent.Role != "user" {
		t.Errorf("expected user role, got %q", resultContent.Role)
	}
	if len(resultContent.Parts) != 1 || resultContent.Parts[0].FunctionResponse == nil {
		t.Fatal("expected functionResponse part in result content")
	}
	if resultContent.Parts[0].FunctionResponse.Name != "query_reports" {
		t.Errorf("function name = %q, want query_reports", resultContent.Parts[0].FunctionResponse.Name)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"API key invalid"}}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", "gemini-2.0-flash", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		reason       string
		hasToolCalls bool
		want         string
	}{
		{"STOP", false, llm.StopEndTurn},
		{"STOP", true, llm.StopToolUse},
		{"MAX_TOKENS", false, llm.StopMaxTokens},
		{"SAFETY", false, "SAFETY"},
	}
	for _, tt := range tests {
		if got := normalizeFinishReason(tt.reason, tt.hasToolCalls); got != tt.want {
			t.Errorf("normalizeFinishReason(%q, %v) = %q, want %q", tt.reason, tt.hasToolCalls, got, tt.want)
		}
	}
}

func TestBuildToolIDMap(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{
			Role: llm.RoleAssistant,
			ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("gemini-call-0", "query_reports", nil),
				llm.ToolUseBlock("gemini-call-1", "count_reports", nil),
			},
		},
		{Role: llm.RoleUser, Content: "result"},
	}
	m := buildToolIDMap(messages)
	if m["gemini-call-0"] != "query_reports" {
		t.Errorf("gemini-call-0 = %q, want query_reports", m["gemini-call-0"])
	}
	if m["gemini-call-1"] != "count_reports" {
		t.Errorf("gemini-call-1 = %q, want count_reports", m["gemini-call-1"])
	}
}
