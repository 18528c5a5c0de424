// Package ws implements the WebSocket transport for agent run streaming.
// Clients connect with run parameters in the query string and receive the
// same named-event JSON envelopes the SSE endpoint emits, one message per
// event.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/reports"
)

// Subprotocol is the WebSocket subprotocol offered to clients.
const Subprotocol = "civicpulse-v1"

// Envelope wraps one stream event for the socket. Event names match the SSE
// endpoint: started, token, agent_done, agent_error, done, error.
type Envelope struct {
	Event string                   `json:"event"`
	Data  orchestrator.StreamEvent `json:"data"`
}

// Server upgrades connections and streams one pipeline run per connection.
type Server struct {
	pipeline *orchestrator.Pipeline
	apiKeys  []string // Empty = open access.
	logger   *slog.Logger
}

// NewServer creates a WebSocket run-streaming server.
func NewServer(pipeline *orchestrator.Pipeline, apiKeys []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		pipeline: pipeline,
		apiKeys:  apiKeys,
		logger:   logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	req, err := parseRunParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	// The client only reads; CloseRead cancels the context when the peer
	// disconnects so the run unwinds instead of writing into a dead socket.
	ctx := conn.CloseRead(r.Context())

	s.logger.Info("websocket run started", slog.String("city", req.City))

	em := newEmitter(ctx, conn)
	if err := s.pipeline.Execute(ctx, req, em); err != nil {
		s.logger.Warn("websocket run failed", slog.String("error", err.Error()))
	}
}

// authorize accepts the token from the query string or a bearer header,
// matching every configured key so timing does not reveal which one matched.
func (s *Server) authorize(r *http.Request) bool {
	if len(s.apiKeys) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
	}
	matched := false
	for _, k := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			matched = true
		}
	}
	return matched
}

// parseRunParams reads run parameters from the query string.
func parseRunParams(r *http.Request) (orchestrator.RunRequest, error) {
	q := r.URL.Query()
	city, err := reports.ParseCity(q.Get("city"))
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	return orchestrator.RunRequest{
		City:  string(city),
		Input: q.Get("input"),
		Capabilities: agents.Capabilities{
			CodeInterpreter: q.Get("code_interpreter") == "true",
			WebSearch:       q.Get("web_search") == "true",
			ExtendedTools:   q.Get("extended_tools") == "true",
		},
	}, nil
}

// emitter implements orchestrator.Emitter over a WebSocket connection.
type emitter struct {
	ctx       context.Context
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newEmitter(ctx context.Context, conn *websocket.Conn) *emitter {
	return &emitter{ctx: ctx, conn: conn}
}

// Send writes one envelope as a text message.
func (e *emitter) Send(event string, data orchestrator.StreamEvent) error {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return e.conn.Write(e.ctx, websocket.MessageText, payload)
}

// Close performs the closing handshake. Safe to call more than once.
func (e *emitter) Close() error {
	e.closeOnce.Do(func() {
		_ = e.conn.Close(websocket.StatusNormalClosure, "run complete")
	})
	return nil
}

// Compile-time check.
var _ orchestrator.Emitter = (*emitter)(nil)
