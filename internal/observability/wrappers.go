package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/civicpulse/civicpulse/internal/agents"
	"github.com/civicpulse/civicpulse/internal/llm"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.StreamingProvider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.StreamingProvider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.StreamingProvider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// StreamMessage instruments the streaming path. Duration covers the full
// stream, from request to channel close. Token usage is not reported for
// streams; the orchestrator counts forwarded chunks instead.
func (p *InstrumentedProvider) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.stream_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	err := p.inner.StreamMessage(ctx, req, events)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)
	}

	return err
}

// --- InstrumentedToolExecutor ---

// InstrumentedToolExecutor wraps a tool executor with metrics and tracing.
type InstrumentedToolExecutor struct {
	inner   agents.ToolExecutor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedToolExecutor wraps a tool executor with observability.
func NewInstrumentedToolExecutor(inner agents.ToolExecutor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedToolExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedToolExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (e *InstrumentedToolExecutor) Definitions() []llm.ToolDefinition {
	return e.inner.Definitions()
}

func (e *InstrumentedToolExecutor) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.name", name),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := e.inner.Execute(ctx, name, input)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if e.metrics != nil {
		e.metrics.ToolExecutionsTotal.WithLabelValues(name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(duration)
	}

	return out, err
}

// --- Compile-time interface checks ---

var (
	_ llm.StreamingProvider = (*InstrumentedProvider)(nil)
	_ agents.ToolExecutor   = (*InstrumentedToolExecutor)(nil)
)
