// Package orchestrator implements the multi-agent analysis run pipeline.
// A run fans out to independent LLM-backed agents in two stages, forwards
// their token streams to the client over one persistent channel, and records
// lifecycle events in the run registry as a best-effort audit log.
package orchestrator

import (
	"time"

	"github.com/civicpulse/civicpulse/internal/agents"
)

// RunStatus represents the lifecycle state of a run.
// Statuses only advance; terminal states are final.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// rank orders statuses for monotonic transitions.
func (s RunStatus) rank() int {
	switch s {
	case RunQueued:
		return 0
	case RunRunning:
		return 1
	case RunCompleted, RunFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
// Terminal states accept no further changes.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s == RunCompleted || s == RunFailed {
		return false
	}
	return next.rank() > s.rank()
}

// Run is one end-to-end orchestrated multi-agent analysis request.
type Run struct {
	ID          string
	Status      RunStatus
	City        string
	Tasks       []string // Agent names this run intends to execute, in schedule order.
	InputSource string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventLevel classifies run registry events.
type EventLevel string

const (
	LevelStarted EventLevel = "started"
	LevelToken   EventLevel = "token"
	LevelDone    EventLevel = "done"
	LevelError   EventLevel = "error"
)

// RunEvent is an append-only audit entry recording what happened during a run.
// Events are never mutated or deleted after insertion.
type RunEvent struct {
	ID        int64
	RunID     string
	Agent     string // Emitting agent role, or "orchestrator".
	Level     EventLevel
	Message   string // For token events, the raw emitted text chunk.
	Data      string // Optional structured payload, JSON-encoded.
	CreatedAt time.Time
}

// Artifact is a named output attached to a run, such as the final policy brief.
type Artifact struct {
	ID        int64
	RunID     string
	Kind      string
	URI       string
	Meta      string // JSON-encoded metadata.
	CreatedAt time.Time
}

// AgentOrchestrator is the agent name used for run-level registry events.
const AgentOrchestrator = "orchestrator"

// RunRequest is the validated entry contract for starting a run.
type RunRequest struct {
	City         string
	Input        string // Optional free-form payload, serialized JSON or text.
	Capabilities agents.Capabilities
}

// StreamEvent is the wire-level event pushed to the client. Event names:
// started, token, agent_done, agent_error, done, error.
type StreamEvent struct {
	RunID string `json:"runId"`
	Agent string `json:"agent,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Wire event names emitted over the outbound channel.
const (
	EventStarted    = "started"
	EventToken      = "token"
	EventAgentDone  = "agent_done"
	EventAgentError = "agent_error"
	EventDone       = "done"
	EventError      = "error"
)
