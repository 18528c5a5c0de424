// Package tools defines the tool interface and registry exposed to
// CivicPulse agents. The registry implements the invoker's ToolExecutor
// so registered tools become function-calling definitions on the model
// request and execute locally when the model asks for them.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/civicpulse/civicpulse/internal/llm"
)

// Tool is the interface all agent-accessible tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "database_read").
	Name() string

	// Description returns a human-readable description sent to the model.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's
	// parameters, used as the function-calling input_schema.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before execution so
	// malformed model requests fail fast.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes caps tool output returned to the model.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Definitions converts all registered tools into LLM tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Execute validates and runs the named tool, returning its text output.
// Unknown tool names and validation failures are returned as errors so the
// invoker can surface them to the model as tool errors.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if err := t.Validate(input); err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	res, err := t.Execute(ctx, input)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	return res.Output, nil
}
