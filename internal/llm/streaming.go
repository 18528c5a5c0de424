package llm

import "context"

// Stream event types carried in StreamEvent.Type.
const (
	StreamText         = "text"
	StreamToolUseStart = "tool_use_start"
	StreamDone         = "done"
	StreamError        = "error"
)

// StreamEvent is one increment of a streaming model answer.
type StreamEvent struct {
	Type    string
	Content string        // StreamText payload.
	ToolUse *ContentBlock // StreamToolUseStart payload.
	Error   error         // StreamError payload.
}

// StreamingProvider is a Provider that can deliver its answer incrementally.
// The agent pipeline requires one; wrap request/response vendors in
// NonStreamingAdapter.
type StreamingProvider interface {
	Provider
	// StreamMessage sends a request and delivers events on the channel.
	// The channel is closed on every return path, success or failure.
	StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error
}

// NonStreamingAdapter turns a request/response Provider into a
// StreamingProvider by buffering the whole answer and replaying it as a
// short event sequence. Token-level granularity is lost; ordering and the
// terminal event contract are preserved.
type NonStreamingAdapter struct {
	Provider
}

func (a *NonStreamingAdapter) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error {
	defer close(events)

	resp, err := a.SendMessage(ctx, req)
	if err != nil {
		events <- StreamEvent{Type: StreamError, Error: err}
		return err
	}

	if resp.Content != "" {
		events <- StreamEvent{Type: StreamText, Content: resp.Content}
	}
	for _, block := range resp.ToolUseBlocks() {
		b := block
		events <- StreamEvent{Type: StreamToolUseStart, ToolUse: &b}
	}

	events <- StreamEvent{Type: StreamDone}
	return nil
}
