package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Registry is the best-effort bookkeeping layer over a RunStore.
// Every write is fire-and-forget from the pipeline's perspective: persistence
// failures are logged and swallowed so observability never blocks or fails
// the orchestration. The live stream to the client is the channel of truth.
type Registry struct {
	store  RunStore
	logger *slog.Logger
}

// NewRegistry creates a registry over the given store. A nil store yields a
// registry whose writes are all no-ops.
func NewRegistry(store RunStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{store: store, logger: logger}
}

// CreateRun allocates a run identifier and persists initial metadata with
// status queued. If persistence fails the run proceeds under a local,
// non-persisted identifier rather than blocking the user-facing flow.
func (r *Registry) CreateRun(ctx context.Context, city string, tasks []string, inputSource string) *Run {
	now := time.Now().UTC()
	run := &Run{
		ID:          uuid.NewString(),
		Status:      RunQueued,
		City:        city,
		Tasks:       tasks,
		InputSource: inputSource,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.store == nil {
		run.ID = localRunID()
		return run
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.logger.WarnContext(ctx, "run create failed, using local id",
			slog.String("error", err.Error()),
		)
		run.ID = localRunID()
	}
	return run
}

// UpdateStatus performs an idempotent monotonic status write.
// Failures are logged and swallowed.
func (r *Registry) UpdateStatus(ctx context.Context, runID string, status RunStatus) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateRunStatus(ctx, runID, status); err != nil {
		r.logger.WarnContext(ctx, "run status update failed",
			slog.String("run_id", runID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// Append records a run event. Failures are swallowed.
func (r *Registry) Append(ctx context.Context, runID, agent string, level EventLevel, message string) {
	if r.store == nil {
		return
	}
	ev := &RunEvent{
		RunID:     runID,
		Agent:     agent,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "run event append failed",
			slog.String("run_id", runID),
			slog.String("agent", agent),
			slog.String("level", string(level)),
			slog.String("error", err.Error()),
		)
	}
}

// AddArtifact attaches a named output to the run. Failures are swallowed.
func (r *Registry) AddArtifact(ctx context.Context, runID, kind, uri, meta string) {
	if r.store == nil {
		return
	}
	a := &Artifact{
		RunID:     runID,
		Kind:      kind,
		URI:       uri,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AddArtifact(ctx, a); err != nil {
		r.logger.WarnContext(ctx, "artifact insert failed",
			slog.String("run_id", runID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

// localRunID generates a non-persisted fallback run identifier.
func localRunID() string {
	return fmt.Sprintf("local_%d", time.Now().UnixMilli())
}
