package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/llm"
	"github.com/civicpulse/civicpulse/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSSEEmitterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	em, err := newSSEEmitter(rec, 0)
	if err != nil {
		t.Fatalf("newSSEEmitter: %v", err)
	}
	defer em.Close()

	if err := em.Send("started", orchestrator.StreamEvent{RunID: "r1"}); err != nil {
		t.Fatalf("Send started: %v", err)
	}
	if err := em.Send("token", orchestrator.StreamEvent{RunID: "r1", Agent: "anomaly", Text: "hi"}); err != nil {
		t.Fatalf("Send token: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: started\ndata: {\"runId\":\"r1\"}\n\n") {
		t.Errorf("missing started frame in body:\n%s", body)
	}
	if !strings.Contains(body, "event: token\n") {
		t.Errorf("missing token frame in body:\n%s", body)
	}
	if !strings.Contains(body, `"agent":"anomaly"`) || !strings.Contains(body, `"text":"hi"`) {
		t.Errorf("token payload incomplete in body:\n%s", body)
	}
}

// deadlineRecorder wraps a recorder and tracks per-response write deadline changes.
type deadlineRecorder struct {
	*httptest.ResponseRecorder
	mu        sync.Mutex
	deadlines []time.Time
}

func (r *deadlineRecorder) SetWriteDeadline(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadlines = append(r.deadlines, t)
	return nil
}

func TestSSEEmitterLiftsWriteDeadline(t *testing.T) {
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	em, err := newSSEEmitter(rec, 0)
	if err != nil {
		t.Fatalf("newSSEEmitter: %v", err)
	}
	defer em.Close()

	if len(rec.deadlines) == 0 {
		t.Fatal("write deadline untouched; a run longer than the server write timeout would be cut off")
	}
	if !rec.deadlines[0].IsZero() {
		t.Errorf("write deadline = %v, want cleared", rec.deadlines[0])
	}
}

// slowInvoker streams the same chunks for every role with a delay before each.
type slowInvoker struct {
	chunks []string
	delay  time.Duration
}

func (s *slowInvoker) Stream(ctx context.Context, p agents.Params, events chan<- llm.StreamEvent) error {
	defer close(events)
	for _, chunk := range s.chunks {
		select {
		case <-ctx.Done():
			events <- llm.StreamEvent{Type: llm.StreamError, Error: ctx.Err()}
			return ctx.Err()
		case <-time.After(s.delay):
		}
		events <- llm.StreamEvent{Type: llm.StreamText, Content: chunk}
	}
	events <- llm.StreamEvent{Type: llm.StreamDone}
	return nil
}

func TestAgentStreamOutlivesServerWriteTimeout(t *testing.T) {
	inv := &slowInvoker{chunks: []string{"FINAL: ", "ok\n"}, delay: 150 * time.Millisecond}
	pipeline := orchestrator.NewPipeline(
		orchestrator.NewRegistry(orchestrator.NewInMemoryRunStore(), nil), inv, testLogger())
	g := NewGateway(Config{}, nil, nil, testLogger()).WithPipeline(pipeline, nil)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(g.handleAgentStream))
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?city=sf")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if strings.Contains(string(body), "event: error\n") {
		t.Fatalf("run failed despite connected client:\n%s", body)
	}
	if !strings.Contains(string(body), "event: done\n") {
		t.Fatalf("stream ended without done event:\n%s", body)
	}
}

func TestSSEEmitterSendAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	em, err := newSSEEmitter(rec, 0)
	if err != nil {
		t.Fatalf("newSSEEmitter: %v", err)
	}
	if err := em.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := em.Send("token", orchestrator.StreamEvent{}); err == nil {
		t.Fatal("expected error sending after close")
	}
}

func TestSSEEmitterCloseTwice(t *testing.T) {
	rec := httptest.NewRecorder()
	em, err := newSSEEmitter(rec, 0)
	if err != nil {
		t.Fatalf("newSSEEmitter: %v", err)
	}
	if err := em.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := em.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSSEEmitterKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	em, err := newSSEEmitter(rec, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("newSSEEmitter: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	em.Close()

	if !strings.Contains(rec.Body.String(), ": keep-alive\n\n") {
		t.Errorf("missing keep-alive comment in body:\n%s", rec.Body.String())
	}
}

func TestCollectEmitter(t *testing.T) {
	em := newCollectEmitter()
	em.Send(orchestrator.EventStarted, orchestrator.StreamEvent{RunID: "r9"})
	em.Send(orchestrator.EventToken, orchestrator.StreamEvent{RunID: "r9", Agent: "anomaly", Text: "a"})
	em.Send(orchestrator.EventToken, orchestrator.StreamEvent{RunID: "r9", Agent: "anomaly", Text: "b"})
	em.Send(orchestrator.EventAgentError, orchestrator.StreamEvent{RunID: "r9", Agent: "cluster", Error: "boom"})
	em.Send(orchestrator.EventDone, orchestrator.StreamEvent{RunID: "r9"})
	em.Close()

	if em.runID != "r9" {
		t.Errorf("runID = %q, want r9", em.runID)
	}
	if got := em.outputs["anomaly"].String(); got != "ab" {
		t.Errorf("anomaly output = %q, want ab", got)
	}
	if got := em.agentErrors["cluster"]; got != "boom" {
		t.Errorf("cluster error = %q, want boom", got)
	}
	if em.runError != "" {
		t.Errorf("unexpected run error %q", em.runError)
	}
}

func TestMatchKey(t *testing.T) {
	keys := []string{"alpha", "bravo"}
	if !matchKey(keys, "alpha") {
		t.Error("expected alpha to match")
	}
	if !matchKey(keys, "bravo") {
		t.Error("expected bravo to match")
	}
	if matchKey(keys, "charlie") {
		t.Error("charlie should not match")
	}
	if matchKey(nil, "") {
		t.Error("empty key list should not match anything")
	}
}

func TestAuthorize(t *testing.T) {
	g := &Gateway{config: Config{APIKeys: []string{"secret"}}}

	r := httptest.NewRequest(http.MethodGet, "/v1/agents/run", nil)
	if _, ok := g.authorize(r); ok {
		t.Error("expected rejection without Authorization header")
	}

	r.Header.Set("Authorization", "Bearer wrong")
	if _, ok := g.authorize(r); ok {
		t.Error("expected rejection for wrong key")
	}

	r.Header.Set("Authorization", "Bearer secret")
	clientID, ok := g.authorize(r)
	if !ok {
		t.Fatal("expected valid key to pass")
	}
	if clientID != "secret" {
		t.Errorf("clientID = %q, want the key", clientID)
	}
}

func TestAuthorizeOpenAccess(t *testing.T) {
	g := &Gateway{config: Config{}}
	r := httptest.NewRequest(http.MethodGet, "/v1/agents/run", nil)
	r.RemoteAddr = "10.1.2.3:5511"
	clientID, ok := g.authorize(r)
	if !ok {
		t.Fatal("expected open access without configured keys")
	}
	if clientID != "10.1.2.3" {
		t.Errorf("clientID = %q, want remote host", clientID)
	}
}

func TestParseRunStartPost(t *testing.T) {
	body := `{"city":"sf","input":"{}","web_search":true}`
	r := httptest.NewRequest(http.MethodPost, "/v1/agents/run", strings.NewReader(body))
	req, err := parseRunStart(r, 1<<20)
	if err != nil {
		t.Fatalf("parseRunStart: %v", err)
	}
	if req.City != "SF" {
		t.Errorf("City = %q, want SF", req.City)
	}
	if !req.WebSearch || req.ExtendedTools {
		t.Errorf("capabilities wrong: %+v", req)
	}
}

func TestParseRunStartGet(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/agents/run?city=boston&extended_tools=true", nil)
	req, err := parseRunStart(r, 1<<20)
	if err != nil {
		t.Fatalf("parseRunStart: %v", err)
	}
	if req.City != "BOSTON" {
		t.Errorf("City = %q, want BOSTON", req.City)
	}
	if !req.ExtendedTools {
		t.Error("extended_tools not parsed")
	}
}

func TestParseRunStartRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		req  *http.Request
	}{
		{"missing city", httptest.NewRequest(http.MethodGet, "/v1/agents/run", nil)},
		{"unknown city", httptest.NewRequest(http.MethodGet, "/v1/agents/run?city=atlantis", nil)},
		{"bad json", httptest.NewRequest(http.MethodPost, "/v1/agents/run", strings.NewReader("{"))},
		{"unknown field", httptest.NewRequest(http.MethodPost, "/v1/agents/run", strings.NewReader(`{"city":"sf","bogus":1}`))},
	}
	for _, tc := range cases {
		if _, err := parseRunStart(tc.req, 1<<20); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestRunStartRequestToRunRequest(t *testing.T) {
	req := RunStartRequest{City: "SF", Input: "payload", CodeInterpreter: true}
	rr := req.toRunRequest()
	if rr.City != "SF" || rr.Input != "payload" {
		t.Errorf("unexpected run request: %+v", rr)
	}
	if !rr.Capabilities.CodeInterpreter || rr.Capabilities.WebSearch {
		t.Errorf("capabilities wrong: %+v", rr.Capabilities)
	}
}
