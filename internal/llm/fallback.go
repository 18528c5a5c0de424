package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackProvider tries a list of providers in order until one answers.
// The report grader runs behind one of these so a vendor outage degrades
// grading latency instead of failing requests.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider builds the chain. Panics on an empty list; a chain
// with nothing to try is a wiring bug, not a runtime condition.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// SendMessage returns the first successful answer. A cancelled context
// stops the chain; there is no point retrying a request nobody waits for.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		lastErr = err
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// Name reports the primary vendor plus a fallback marker.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
