package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/llm"
	"github.com/civicpulse/civicpulse/internal/orchestrator"
)

// scriptedInvoker streams one fixed chunk per role.
type scriptedInvoker struct{}

func (scriptedInvoker) Stream(_ context.Context, p agents.Params, events chan<- llm.StreamEvent) error {
	defer close(events)
	events <- llm.StreamEvent{Type: "text", Content: "FINAL: " + string(p.Role) + " ok\n"}
	events <- llm.StreamEvent{Type: "done"}
	return nil
}

func newTestServer(apiKeys []string) *Server {
	registry := orchestrator.NewRegistry(orchestrator.NewInMemoryRunStore(), nil)
	pipeline := orchestrator.NewPipeline(registry, scriptedInvoker{}, nil)
	return NewServer(pipeline, apiKeys, nil)
}

func TestRunStreamRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newTestServer(nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "?city=sf"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var events []string
	tokensByAgent := make(map[string]int)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break // server closes after the terminal event
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("invalid envelope %q: %v", data, err)
		}
		events = append(events, env.Event)
		if env.Event == "token" {
			tokensByAgent[env.Data.Agent]++
		}
	}

	if len(events) == 0 || events[0] != "started" {
		t.Fatalf("first event = %v, want started", events)
	}
	if events[len(events)-1] != "done" {
		t.Errorf("last event = %q, want done", events[len(events)-1])
	}
	for _, agent := range []string{"anomaly", "cluster", "causal", "synthesize"} {
		if tokensByAgent[agent] == 0 {
			t.Errorf("no tokens from agent %s (events: %v)", agent, events)
		}
	}
}

func TestUpgradeRejectsBadCity(t *testing.T) {
	srv := httptest.NewServer(newTestServer(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?city=atlantis")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	srv := httptest.NewServer(newTestServer([]string{"secret"}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?city=sf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "?city=sf&token=wrong")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp2.StatusCode)
	}
}

func TestAuthorizeHeaderToken(t *testing.T) {
	s := newTestServer([]string{"secret"})
	r := httptest.NewRequest(http.MethodGet, "/?city=sf", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if !s.authorize(r) {
		t.Error("expected bearer header token to authorize")
	}
}

func TestParseRunParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?city=boston&input=x&web_search=true", nil)
	req, err := parseRunParams(r)
	if err != nil {
		t.Fatalf("parseRunParams: %v", err)
	}
	if req.City != "BOSTON" || req.Input != "x" || !req.Capabilities.WebSearch {
		t.Errorf("unexpected request: %+v", req)
	}
}
