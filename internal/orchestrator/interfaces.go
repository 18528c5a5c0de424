package orchestrator

import (
	"context"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/llm"
)

// RunStore persists runs and their append-only event logs.
// Implementations must make UpdateRunStatus idempotent and monotonic:
// backward transitions and terminal-state rewrites are silently ignored.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRunStatus(ctx context.Context, id string, status RunStatus) error
	AppendEvent(ctx context.Context, ev *RunEvent) error
	AddArtifact(ctx context.Context, a *Artifact) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListEvents(ctx context.Context, runID string) ([]RunEvent, error)
}

// Invoker produces an agent's token stream for the given parameters.
// The events channel is closed by the implementation when the stream ends.
type Invoker interface {
	Stream(ctx context.Context, p agents.Params, events chan<- llm.StreamEvent) error
}

// Emitter owns the single outbound event channel for one run. Send serializes
// a named event with a JSON payload in call order. Close releases the channel
// and is safe to call more than once.
type Emitter interface {
	Send(event string, data StreamEvent) error
	Close() error
}
