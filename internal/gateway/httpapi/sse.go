package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
)

// sseEmitter implements orchestrator.Emitter over an http.ResponseWriter
// using server-sent events framing. A keep-alive comment is written on an
// interval so proxies do not drop idle streams. Safe for concurrent use;
// writes after Close or after the client disconnects return an error, which
// the pipeline treats as transport failure.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool

	stop      chan struct{}
	closeOnce sync.Once
}

// newSSEEmitter writes the SSE response headers and starts the keep-alive
// loop. Returns an error when the response writer cannot flush.
func newSSEEmitter(w http.ResponseWriter, keepAlive time.Duration) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	// A run routinely outlives the server's write timeout. Lift the
	// per-response write deadline for the lifetime of the stream; writers
	// without deadline support are left as-is.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	e := &sseEmitter{
		w:       w,
		flusher: flusher,
		stop:    make(chan struct{}),
	}
	if keepAlive > 0 {
		go e.keepAliveLoop(keepAlive)
	}
	return e, nil
}

// Send writes one named event with a JSON payload and flushes it.
func (e *sseEmitter) Send(event string, data orchestrator.StreamEvent) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding stream event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("emitter closed")
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// Close stops the keep-alive loop and marks the stream closed.
// Safe to call more than once.
func (e *sseEmitter) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.stop)
	})
	return nil
}

// keepAliveLoop writes an SSE comment on each tick until the stream closes.
func (e *sseEmitter) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				return
			}
			if _, err := fmt.Fprint(e.w, ": keep-alive\n\n"); err != nil {
				e.mu.Unlock()
				return
			}
			e.flusher.Flush()
			e.mu.Unlock()
		}
	}
}

// Compile-time check.
var _ orchestrator.Emitter = (*sseEmitter)(nil)

// RunStartRequest starts an analysis run. For GET requests the same fields
// are read from query parameters.
type RunStartRequest struct {
	City            string `json:"city"`
	Input           string `json:"input,omitempty"` // Optional serialized payload passed to the agents.
	CodeInterpreter bool   `json:"code_interpreter,omitempty"`
	WebSearch       bool   `json:"web_search,omitempty"`
	ExtendedTools   bool   `json:"extended_tools,omitempty"`
}

func (r RunStartRequest) toRunRequest() orchestrator.RunRequest {
	return orchestrator.RunRequest{
		City:  r.City,
		Input: r.Input,
		Capabilities: agents.Capabilities{
			CodeInterpreter: r.CodeInterpreter,
			WebSearch:       r.WebSearch,
			ExtendedTools:   r.ExtendedTools,
		},
	}
}

// parseRunStart reads the run parameters from either the JSON body (POST) or
// the query string (GET) and normalizes the city code.
func parseRunStart(r *http.Request, maxBody int64) (RunStartRequest, error) {
	var req RunStartRequest
	if r.Method == http.MethodPost {
		dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, fmt.Errorf("invalid request body")
		}
	} else {
		q := r.URL.Query()
		req.City = q.Get("city")
		req.Input = q.Get("input")
		req.CodeInterpreter = q.Get("code_interpreter") == "true"
		req.WebSearch = q.Get("web_search") == "true"
		req.ExtendedTools = q.Get("extended_tools") == "true"
	}

	if req.City == "" {
		return req, fmt.Errorf("city is required")
	}
	city, err := reports.ParseCity(req.City)
	if err != nil {
		return req, fmt.Errorf("unknown city: %s", req.City)
	}
	req.City = string(city)
	return req, nil
}

// handleAgentStream serves POST and GET /v1/agents/run: a live SSE stream of
// the multi-agent pipeline. Mounted as a std handler so the emitter owns the
// response writer for the lifetime of the run.
func (g *Gateway) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	clientID, ok := g.authorize(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	if g.limited(clientID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req, err := parseRunStart(r, g.maxRequestSize())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	correlationID := newCorrelationID()
	g.logger.Info("agent run stream started",
		slog.String("correlation_id", correlationID),
		slog.String("city", req.City),
		slog.String("transport", "sse"),
	)

	em, err := newSSEEmitter(w, g.keepAlive())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if err := g.pipeline.Execute(r.Context(), req.toRunRequest(), em); err != nil {
		g.logger.Error("agent run failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// writeJSONError writes a pre-stream error response.
func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}
