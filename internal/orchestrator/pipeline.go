package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/llm"
)

// itemBuffer sizes the per-run merge channel between agent goroutines and the
// single emitting loop.
const itemBuffer = 64

// streamItem is one unit of agent output merged into the outbound stream.
type streamItem struct {
	kind  itemKind
	agent string
	text  string
	err   error
}

type itemKind int

const (
	itemToken itemKind = iota
	itemAgentDone
	itemAgentError
)

// Pipeline drives one analysis run: it fans out to stage 1 agents, forwards
// their token streams through the emitter, gates stage 2 on stage 1
// completion, and decides overall run success or failure.
//
// A single goroutine owns all emitter writes, so events leave in the exact
// order they are merged. Agent failures are run-local: the failing agent's
// branch is logged and omitted from downstream context, and the run still
// completes. Only transport failures are run-fatal.
type Pipeline struct {
	registry    *Registry
	invoker     Invoker
	metrics     *RunMetrics
	logger      *slog.Logger
	concurrency int
	maxDuration time.Duration
}

// PipelineOption configures the pipeline.
type PipelineOption func(*Pipeline)

// WithMetrics attaches run metrics.
func WithMetrics(m *RunMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMaxDuration caps the wall-clock time of a whole run, both stages
// included. A run that overruns the cap is failed. Default: 5m.
func WithMaxDuration(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.maxDuration = d }
}

// WithConcurrency bounds the number of agents invoked at once. Default: 4.
func WithConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewPipeline creates a run pipeline.
func NewPipeline(registry *Registry, invoker Invoker, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		registry:    registry,
		invoker:     invoker,
		logger:      logger,
		concurrency: 4,
		maxDuration: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ScheduledTasks returns the agent names a run will execute, in stage order.
func ScheduledTasks() []string {
	var tasks []string
	for _, r := range agents.StageOneRoles() {
		tasks = append(tasks, string(r))
	}
	for _, r := range agents.StageTwoRoles() {
		tasks = append(tasks, string(r))
	}
	return tasks
}

// Execute runs the full two-stage pipeline, emitting wire events through em.
// The emitter is always closed before Execute returns, on every exit path.
// A non-nil error means the run failed; agent-local failures alone do not
// produce an error.
func (p *Pipeline) Execute(ctx context.Context, req RunRequest, em Emitter) error {
	defer em.Close()

	if p.metrics != nil {
		p.metrics.ActiveRuns.Inc()
		defer p.metrics.ActiveRuns.Dec()
	}
	start := time.Now()

	run := p.registry.CreateRun(ctx, req.City, ScheduledTasks(), "policy-run")
	p.registry.UpdateStatus(ctx, run.ID, RunRunning)

	p.logger.InfoContext(ctx, "run started",
		slog.String("run_id", run.ID),
		slog.String("city", req.City),
	)

	// Cancelling runCtx propagates to every in-flight model call, so a dead
	// client does not leave orphaned background work. The per-invocation
	// timeout bounds a single agent; the run cap bounds both stages together.
	runCtx, cancel := context.WithCancel(ctx)
	if p.maxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.maxDuration)
	}
	defer cancel()

	if err := em.Send(EventStarted, StreamEvent{RunID: run.ID}); err != nil {
		return p.fail(ctx, run.ID, start, &TransportError{Err: err})
	}
	p.registry.Append(ctx, run.ID, AgentOrchestrator, LevelStarted, "run started")

	out := make(chan streamItem, itemBuffer)
	go p.runStages(runCtx, run.ID, req, out)

	var transportErr error
	for item := range out {
		if transportErr != nil {
			continue // drain until cancelled agents unwind
		}
		if err := p.emit(runCtx, run.ID, item, em); err != nil {
			transportErr = err
			cancel()
		}
	}

	if transportErr != nil {
		return p.fail(ctx, run.ID, start, &TransportError{Err: transportErr})
	}
	if err := runCtx.Err(); err != nil {
		_ = em.Send(EventError, StreamEvent{RunID: run.ID, Error: err.Error()})
		return p.fail(ctx, run.ID, start, err)
	}

	if err := em.Send(EventDone, StreamEvent{RunID: run.ID}); err != nil {
		return p.fail(ctx, run.ID, start, &TransportError{Err: err})
	}
	p.finish(ctx, run.ID, RunCompleted, start)
	return nil
}

// emit forwards one merged item to the client and mirrors it into the registry.
// Returns the transport error, if any.
func (p *Pipeline) emit(ctx context.Context, runID string, item streamItem, em Emitter) error {
	switch item.kind {
	case itemToken:
		if err := em.Send(EventToken, StreamEvent{RunID: runID, Agent: item.agent, Text: item.text}); err != nil {
			return err
		}
		p.registry.Append(ctx, runID, item.agent, LevelToken, item.text)
		if p.metrics != nil {
			p.metrics.TokensForwardedTotal.WithLabelValues(item.agent).Inc()
		}
	case itemAgentDone:
		if err := em.Send(EventAgentDone, StreamEvent{RunID: runID, Agent: item.agent}); err != nil {
			return err
		}
		p.registry.Append(ctx, runID, item.agent, LevelDone, "done")
		if p.metrics != nil {
			p.metrics.AgentInvocationsTotal.WithLabelValues(item.agent, "completed").Inc()
		}
	case itemAgentError:
		msg := "agent failed"
		if item.err != nil {
			msg = item.err.Error()
		}
		p.registry.Append(ctx, runID, item.agent, LevelError, msg)
		if p.metrics != nil {
			p.metrics.AgentInvocationsTotal.WithLabelValues(item.agent, "failed").Inc()
		}
		p.logger.WarnContext(ctx, "agent failed",
			slog.String("run_id", runID),
			slog.String("agent", item.agent),
			slog.String("error", msg),
		)
		if err := em.Send(EventAgentError, StreamEvent{RunID: runID, Agent: item.agent, Error: msg}); err != nil {
			return err
		}
	}
	return nil
}

// fail records a run-fatal error and returns it.
func (p *Pipeline) fail(ctx context.Context, runID string, start time.Time, err error) error {
	p.registry.Append(context.WithoutCancel(ctx), runID, AgentOrchestrator, LevelError, err.Error())
	p.finish(ctx, runID, RunFailed, start)
	p.logger.ErrorContext(ctx, "run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
	)
	return err
}

// finish writes the terminal status and final metrics. The status write uses
// a non-cancellable context so it lands even when the request context died.
func (p *Pipeline) finish(ctx context.Context, runID string, status RunStatus, start time.Time) {
	p.registry.UpdateStatus(context.WithoutCancel(ctx), runID, status)
	if p.metrics != nil {
		p.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
		p.metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	}
}

// runStages executes both stages, merging all agent output into out.
// Closes out when every scheduled agent has reached a terminal state.
func (p *Pipeline) runStages(ctx context.Context, runID string, req RunRequest, out chan<- streamItem) {
	defer close(out)

	sem := make(chan struct{}, p.concurrency)

	// Stage 1: dependency-free fan-out over the run input.
	stageOne := agents.StageOneRoles()
	results := p.runStage(ctx, stageOne, sem, out, func(role agents.Role) agents.Params {
		return agents.Params{
			Role:         role,
			City:         req.City,
			Input:        req.Input,
			Capabilities: req.Capabilities,
		}
	})

	if ctx.Err() != nil {
		return
	}

	// Stage 2 consumes the accumulated stage 1 text as context. Agents that
	// failed in stage 1 simply contribute nothing.
	upstream := combineContext(stageOne, results)
	stageTwo := agents.StageTwoRoles()
	final := p.runStage(ctx, stageTwo, sem, out, func(role agents.Role) agents.Params {
		return agents.Params{
			Role:         role,
			City:         req.City,
			Input:        req.Input,
			Context:      upstream,
			Capabilities: req.Capabilities,
		}
	})

	if brief := strings.TrimSpace(final[agents.RoleSynthesize]); brief != "" {
		p.registry.AddArtifact(context.WithoutCancel(ctx), runID, "policy_brief", "",
			fmt.Sprintf(`{"chars":%d}`, len(brief)))
	}
}

// runStage invokes the given roles concurrently and returns the accumulated
// text of each role that completed without error.
func (p *Pipeline) runStage(ctx context.Context, roles []agents.Role, sem chan struct{}, out chan<- streamItem, params func(agents.Role) agents.Params) map[agents.Role]string {
	results := make(map[agents.Role]string, len(roles))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, role := range roles {
		wg.Add(1)
		go func(role agents.Role) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			text, ok := p.runAgent(ctx, params(role), out)
			if ok {
				mu.Lock()
				results[role] = text
				mu.Unlock()
			}
		}(role)
	}
	wg.Wait()
	return results
}

// runAgent streams one agent and merges its chunks into out. Within this
// goroutine chunk order is preserved exactly as the provider emitted it.
// Returns the agent's full forwarded text and whether it completed cleanly.
func (p *Pipeline) runAgent(ctx context.Context, params agents.Params, out chan<- streamItem) (string, bool) {
	events := make(chan llm.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.invoker.Stream(ctx, params, events)
	}()

	role := string(params.Role)
	var buf strings.Builder
	failed := false
	for ev := range events {
		switch ev.Type {
		case llm.StreamText:
			// Whitespace-only chunks are provider noise, not output.
			if strings.TrimSpace(ev.Content) == "" {
				continue
			}
			buf.WriteString(ev.Content)
			out <- streamItem{kind: itemToken, agent: role, text: ev.Content}
		case llm.StreamError:
			err := ev.Error
			if err == nil {
				err = errors.New("stream error")
			}
			failed = true
			out <- streamItem{kind: itemAgentError, agent: role, err: err}
		}
	}
	if err := <-errCh; err != nil && !failed {
		failed = true
		out <- streamItem{kind: itemAgentError, agent: role, err: err}
	}
	if failed {
		return "", false
	}
	out <- streamItem{kind: itemAgentDone, agent: role}
	return buf.String(), true
}

// combineContext concatenates per-agent stage output, in role order, under a
// markdown heading per agent.
func combineContext(order []agents.Role, results map[agents.Role]string) string {
	var b strings.Builder
	for _, role := range order {
		text := strings.TrimSpace(results[role])
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", role, text)
	}
	return strings.TrimSpace(b.String())
}
