package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
	"github.com/jkaninda/okapi"
)

// collectEmitter buffers an entire run's stream in memory for the one-shot
// endpoint. Implements orchestrator.Emitter.
type collectEmitter struct {
	mu          sync.Mutex
	runID       string
	outputs     map[string]*strings.Builder
	agentErrors map[string]string
	runError    string
}

func newCollectEmitter() *collectEmitter {
	return &collectEmitter{
		outputs:     make(map[string]*strings.Builder),
		agentErrors: make(map[string]string),
	}
}

func (e *collectEmitter) Send(event string, data orchestrator.StreamEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch event {
	case orchestrator.EventStarted:
		e.runID = data.RunID
	case orchestrator.EventToken:
		b, ok := e.outputs[data.Agent]
		if !ok {
			b = &strings.Builder{}
			e.outputs[data.Agent] = b
		}
		b.WriteString(data.Text)
	case orchestrator.EventAgentError:
		e.agentErrors[data.Agent] = data.Error
	case orchestrator.EventError:
		e.runError = data.Error
	}
	return nil
}

func (e *collectEmitter) Close() error { return nil }

// Compile-time check.
var _ orchestrator.Emitter = (*collectEmitter)(nil)

// RunResultResponse is the buffered result of a one-shot run.
type RunResultResponse struct {
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	Outputs     map[string]string `json:"outputs"`
	AgentErrors map[string]string `json:"agent_errors,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// handleAgentOneShot serves POST /v1/agents: runs the full pipeline and
// returns the accumulated per-agent output once the run finishes.
func (g *Gateway) handleAgentOneShot(c *okapi.Context) error {
	if g.limited(c.GetString("clientID")) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req RunStartRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.City == "" {
		return c.AbortBadRequest("city is required")
	}
	city, err := reports.ParseCity(req.City)
	if err != nil {
		return c.AbortBadRequest("unknown city: " + req.City)
	}
	req.City = string(city)

	correlationID := newCorrelationID()
	g.logger.Info("agent one-shot run",
		slog.String("correlation_id", correlationID),
		slog.String("city", req.City),
	)

	// A buffered run can take longer than the server's write timeout. Lift
	// the per-response deadline so the final payload still reaches the client.
	_ = http.NewResponseController(c.ResponseWriter()).SetWriteDeadline(time.Time{})

	em := newCollectEmitter()
	runErr := g.pipeline.Execute(c.Context(), req.toRunRequest(), em)

	em.mu.Lock()
	defer em.mu.Unlock()
	resp := RunResultResponse{
		RunID:       em.runID,
		Status:      string(orchestrator.RunCompleted),
		Outputs:     make(map[string]string, len(em.outputs)),
		AgentErrors: em.agentErrors,
		Error:       em.runError,
	}
	for agent, b := range em.outputs {
		resp.Outputs[agent] = b.String()
	}
	if runErr != nil {
		resp.Status = string(orchestrator.RunFailed)
		if resp.Error == "" {
			resp.Error = runErr.Error()
		}
	}
	return c.OK(resp)
}

// RunResponse is the JSON shape of run metadata.
type RunResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	City        string    `json:"city"`
	Tasks       []string  `json:"tasks"`
	InputSource string    `json:"input_source"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	run, err := g.runs.GetRun(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
		}
		g.logger.Error("run lookup failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("run lookup failed")
	}
	return c.OK(RunResponse{
		ID:          run.ID,
		Status:      string(run.Status),
		City:        run.City,
		Tasks:       run.Tasks,
		InputSource: run.InputSource,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	})
}

// RunEventResponse is one entry of a run's event log.
type RunEventResponse struct {
	ID        int64     `json:"id"`
	Agent     string    `json:"agent"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleRunEvents(c *okapi.Context) error {
	runID := c.Param("id")
	if _, err := g.runs.GetRun(c.Context(), runID); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
		}
		g.logger.Error("run lookup failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("run lookup failed")
	}

	events, err := g.runs.ListEvents(c.Context(), runID)
	if err != nil {
		g.logger.Error("run event listing failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("listing run events failed")
	}

	resp := make([]RunEventResponse, len(events))
	for i, ev := range events {
		resp[i] = RunEventResponse{
			ID:        ev.ID,
			Agent:     ev.Agent,
			Level:     string(ev.Level),
			Message:   ev.Message,
			CreatedAt: ev.CreatedAt,
		}
	}
	return c.OK(resp)
}
