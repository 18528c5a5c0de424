package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type echoTool struct {
	name        string
	validateErr error
	execErr     error
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echoes input" }
func (e *echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
}
func (e *echoTool) Validate(map[string]any) error { return e.validateErr }
func (e *echoTool) Execute(_ context.Context, params map[string]any) (*Result, error) {
	if e.execErr != nil {
		return nil, e.execErr
	}
	text, _ := params["text"].(string)
	return &Result{Output: text, Success: true}, nil
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo"})

	out, err := reg.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("output = %q, want hello", out)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Execute(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistryExecuteValidationFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo", validateErr: errors.New("missing required parameter: text")})

	_, err := reg.Execute(context.Background(), "echo", nil)
	if err == nil || !strings.Contains(err.Error(), "missing required parameter") {
		t.Fatalf("error = %v, want validation failure", err)
	}
}

func TestRegistryDefinitions(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo"})

	defs := reg.Definitions()
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	if defs[0].Name != "echo" || defs[0].InputSchema == nil {
		t.Errorf("unexpected definition: %+v", defs[0])
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo"})
	reg.Register(&echoTool{name: "echo"})
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := TruncateOutput(long, 50)
	if len(got) > 50 {
		t.Errorf("truncated length = %d, want <= 50", len(got))
	}
	if !strings.Contains(got, "truncated") {
		t.Errorf("missing truncation notice in %q", got)
	}
	if TruncateOutput("short", 50) != "short" {
		t.Error("short output should pass through unchanged")
	}
}
