package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider answers with a fixed response or error.
type scriptedProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (p *scriptedProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *scriptedProvider) Name() string { return p.name }

func drainAdapter(t *testing.T, a *NonStreamingAdapter, req *Request) ([]StreamEvent, error) {
	t.Helper()
	events := make(chan StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- a.StreamMessage(context.Background(), req, events) }()

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	return got, <-errCh
}

func TestNonStreamingAdapterReplaysAnswer(t *testing.T) {
	resp := &Response{
		Content: "Two anomaly spikes.",
		ContentBlocks: []ContentBlock{
			TextBlock("Two anomaly spikes."),
			ToolUseBlock("call_1", "query_reports", nil),
		},
		StopReason: StopToolUse,
	}
	a := &NonStreamingAdapter{Provider: &scriptedProvider{name: "test", resp: resp}}

	events, err := drainAdapter(t, a, &Request{})
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected text + tool_use_start + done, got %d events", len(events))
	}
	if events[0].Type != StreamText || events[0].Content != "Two anomaly spikes." {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != StreamToolUseStart || events[1].ToolUse.ID != "call_1" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if events[2].Type != StreamDone {
		t.Errorf("last event = %q, want %q", events[2].Type, StreamDone)
	}
}

func TestNonStreamingAdapterErrorTerminal(t *testing.T) {
	boom := errors.New("vendor down")
	a := &NonStreamingAdapter{Provider: &scriptedProvider{name: "test", err: boom}}

	events, err := drainAdapter(t, a, &Request{})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if len(events) != 1 || events[0].Type != StreamError {
		t.Fatalf("expected single error event, got %+v", events)
	}
}

func TestFallbackSkipsToWorkingProvider(t *testing.T) {
	broken := &scriptedProvider{name: "primary", err: errors.New("overloaded")}
	healthy := &scriptedProvider{name: "backup", resp: &Response{Content: "ok"}}
	f := NewFallbackProvider([]Provider{broken, healthy}, discardLogger())

	resp, err := f.SendMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
	if broken.calls != 1 || healthy.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", broken.calls, healthy.calls)
	}
	if f.Name() != "primary+fallback" {
		t.Errorf("Name() = %q", f.Name())
	}
}

func TestFallbackAllFailed(t *testing.T) {
	last := errors.New("also down")
	f := NewFallbackProvider([]Provider{
		&scriptedProvider{name: "a", err: errors.New("down")},
		&scriptedProvider{name: "b", err: last},
	}, discardLogger())

	_, err := f.SendMessage(context.Background(), &Request{})
	if !errors.Is(err, last) {
		t.Fatalf("error = %v, want wrapped %v", err, last)
	}
}

func TestFallbackStopsOnCancelledContext(t *testing.T) {
	second := &scriptedProvider{name: "backup", resp: &Response{Content: "ok"}}
	first := &scriptedProvider{name: "primary", err: errors.New("down")}
	f := NewFallbackProvider([]Provider{first, second}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.SendMessage(ctx, &Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if second.calls != 0 {
		t.Error("cancelled chain still called the backup provider")
	}
}

func TestResponseToolUseBlocks(t *testing.T) {
	r := &Response{
		ContentBlocks: []ContentBlock{
			TextBlock("checking"),
			ToolUseBlock("c1", "query_reports", nil),
			ToolUseBlock("c2", "count_reports", nil),
		},
		StopReason: StopToolUse,
	}
	if !r.HasToolUse() {
		t.Error("expected HasToolUse")
	}
	blocks := r.ToolUseBlocks()
	if len(blocks) != 2 || blocks[0].ID != "c1" || blocks[1].ID != "c2" {
		t.Errorf("unexpected tool use blocks: %+v", blocks)
	}

	done := &Response{StopReason: StopEndTurn}
	if done.HasToolUse() {
		t.Error("end_turn response reports tool use")
	}
}
