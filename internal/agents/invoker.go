package agents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/civicpulse/civicpulse/internal/llm"
)

// toolLoopLimit bounds the number of tool round-trips in the gather phase.
const toolLoopLimit = 5

// InvocationError wraps a model call failure with the role that caused it.
type InvocationError struct {
	Role Role
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent %s invocation failed: %v", e.Role, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ToolExecutor provides tool definitions and executes tool calls on behalf
// of an agent. Implemented by the tools registry.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, name string, input map[string]any) (string, error)
}

// Invoker turns an agent role plus run parameters into a live token stream
// from the configured LLM provider.
type Invoker struct {
	provider  llm.StreamingProvider
	tools     ToolExecutor
	logger    *slog.Logger
	timeout   time.Duration
	maxTokens int
}

// Option configures the Invoker.
type Option func(*Invoker)

// WithTools registers a tool executor used when extended tool access is enabled.
func WithTools(t ToolExecutor) Option {
	return func(inv *Invoker) { inv.tools = t }
}

// WithTimeout sets the per-invocation timeout. Default: 5m.
func WithTimeout(d time.Duration) Option {
	return func(inv *Invoker) { inv.timeout = d }
}

// WithMaxTokens sets the per-invocation output token limit. Default: 2000.
func WithMaxTokens(n int) Option {
	return func(inv *Invoker) { inv.maxTokens = n }
}

// NewInvoker creates an agent invoker backed by a streaming provider.
func NewInvoker(provider llm.StreamingProvider, logger *slog.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	inv := &Invoker{
		provider:  provider,
		logger:    logger,
		timeout:   5 * time.Minute,
		maxTokens: 2000,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Params describes a single agent invocation within a run.
type Params struct {
	Role         Role
	City         string
	Input        string // serialized run input, may be empty
	Context      string // accumulated upstream output, stage 2 only
	Capabilities Capabilities
}

// Stream invokes the agent and forwards provider events to the channel.
// The channel is closed when the stream completes or fails. When extended
// tool access is enabled a bounded tool loop runs first and its results are
// injected into the conversation before streaming begins.
func (inv *Invoker) Stream(ctx context.Context, p Params, events chan<- llm.StreamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	req := inv.buildRequest(p)

	if p.Capabilities.ExtendedTools && inv.tools != nil {
		gathered, err := inv.gather(ctx, p, req)
		if err != nil {
			// Tool failures degrade to a plain invocation rather than
			// failing the agent outright.
			inv.logger.WarnContext(ctx, "tool gather phase failed",
				slog.String("agent", string(p.Role)),
				slog.String("error", err.Error()),
			)
		} else if gathered != "" {
			req.Messages = append(req.Messages, llm.Message{
				Role:    llm.RoleUser,
				Content: "Data gathered via tools:\n" + gathered,
			})
		}
	}

	start := time.Now()
	err := inv.provider.StreamMessage(ctx, req, events)
	if err != nil {
		return &InvocationError{Role: p.Role, Err: err}
	}

	inv.logger.DebugContext(ctx, "agent stream completed",
		slog.String("agent", string(p.Role)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// buildRequest assembles the conversation for a role.
func (inv *Invoker) buildRequest(p Params) *llm.Request {
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: userMessage(p.Role, p.City)},
	}
	if p.Input != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Input (json):\n" + p.Input,
		})
	}
	if p.Context != "" && p.Role.AcceptsContext() {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Context (markdown):\n" + p.Context,
		})
	}
	return &llm.Request{
		SystemPrompt: systemPrompt(p.Role, p.Capabilities),
		Messages:     messages,
		MaxTokens:    inv.maxTokens,
	}
}

// gather runs a bounded non-streaming tool loop and returns the final text
// the model produced after seeing tool results.
func (inv *Invoker) gather(ctx context.Context, p Params, base *llm.Request) (string, error) {
	req := &llm.Request{
		SystemPrompt: base.SystemPrompt,
		Messages:     append([]llm.Message(nil), base.Messages...),
		MaxTokens:    inv.maxTokens,
		Tools:        inv.tools.Definitions(),
	}
	if len(req.Tools) == 0 {
		return "", nil
	}

	for round := 0; round < toolLoopLimit; round++ {
		resp, err := inv.provider.SendMessage(ctx, req)
		if err != nil {
			return "", err
		}
		if !resp.HasToolUse() {
			return resp.Content, nil
		}

		// Echo the assistant turn, then answer each tool call.
		req.Messages = append(req.Messages, llm.Message{
			Role:          llm.RoleAssistant,
			ContentBlocks: resp.ContentBlocks,
		})
		var results []llm.ContentBlock
		for _, call := range resp.ToolUseBlocks() {
			out, err := inv.tools.Execute(ctx, call.Name, call.Input)
			if err != nil {
				results = append(results, llm.ToolResultBlock(call.ID, err.Error(), true))
				continue
			}
			results = append(results, llm.ToolResultBlock(call.ID, out, false))
		}
		req.Messages = append(req.Messages, llm.Message{
			Role:          llm.RoleUser,
			ContentBlocks: results,
		})
	}
	return "", fmt.Errorf("tool loop exceeded %d rounds", toolLoopLimit)
}
