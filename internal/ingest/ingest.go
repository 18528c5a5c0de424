// Package ingest periodically pulls open 311 cases from the configured
// city feeds and upserts them into the report store keyed by
// (source, native id). Re-syncs refresh upstream fields only, so vote
// counts accumulated locally survive.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civicpulse/civicpulse/internal/data311"
	"github.com/civicpulse/civicpulse/internal/reports"
)

const (
	defaultFetchLimit   = 200
	defaultFetchTimeout = 30 * time.Second
)

// Syncer drives one sync cycle across all configured 311 sources.
type Syncer struct {
	sources []data311.Source
	store   reports.ReportStore
	logger  *slog.Logger
	metrics *Metrics
	limit   int
	timeout time.Duration
}

// Options customize a Syncer.
type Options func(*Syncer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Options {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Options {
	return func(s *Syncer) { s.metrics = m }
}

// WithFetchLimit sets the per-source page size.
func WithFetchLimit(n int) Options {
	return func(s *Syncer) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithFetchTimeout sets the per-source fetch timeout.
func WithFetchTimeout(d time.Duration) Options {
	return func(s *Syncer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a Syncer over the given sources and report store.
func New(store reports.ReportStore, sources []data311.Source, opts ...Options) *Syncer {
	s := &Syncer{
		sources: sources,
		store:   store,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		limit:   defaultFetchLimit,
		timeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync fetches every source once and upserts the normalized cases.
// Per-source failures are logged and aggregated; a failing feed does not
// block the others.
func (s *Syncer) Sync(ctx context.Context) error {
	start := time.Now()
	var errs []error
	for _, src := range s.sources {
		if err := s.syncSource(ctx, src); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metrics != nil {
		s.metrics.SyncDuration.Observe(time.Since(start).Seconds())
		s.metrics.SyncsTotal.Inc()
		if len(errs) > 0 {
			s.metrics.SyncsFailed.Inc()
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) syncSource(ctx context.Context, src data311.Source) error {
	city := src.City()
	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	cases, err := src.Fetch(fctx, s.limit)
	cancel()
	if err != nil {
		s.logger.ErrorContext(ctx, "311 fetch failed", "city", city, "error", err)
		return fmt.Errorf("fetch %s: %w", city, err)
	}

	source := SourceName(city)
	var synced, skipped, failed int
	for _, c := range cases {
		r, ok := c.ToReport(city, source)
		if !ok {
			skipped++
			continue
		}
		if err := s.store.UpsertByNativeID(ctx, r); err != nil {
			failed++
			s.logger.ErrorContext(ctx, "311 upsert failed",
				"city", city, "native_id", c.ID, "error", err)
			continue
		}
		synced++
	}
	if s.metrics != nil {
		s.metrics.CasesUpserted.Add(float64(synced))
		s.metrics.CasesSkipped.Add(float64(skipped))
	}
	s.logger.InfoContext(ctx, "311 sync completed",
		"city", city, "fetched", len(cases), "synced", synced,
		"skipped", skipped, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("sync %s: %d of %d upserts failed", city, failed, len(cases))
	}
	return nil
}

// Start schedules periodic syncs using the given cron expression and
// returns a stop function that waits for any in-flight run to finish.
func (s *Syncer) Start(ctx context.Context, schedule string) (func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := s.Sync(runCtx); err != nil {
			s.logger.ErrorContext(runCtx, "scheduled 311 sync failed", "error", err)
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid ingest schedule %q: %w", schedule, err)
	}
	c.Start()
	s.logger.InfoContext(ctx, "311 sync scheduler started",
		"schedule", schedule, "sources", len(s.sources))
	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("311 sync scheduler stopped")
	}, nil
}

// SourceName returns the report source label for a city feed, e.g. "sf311".
func SourceName(city reports.City) string {
	return strings.ToLower(string(city)) + "311"
}

// BuildSources maps city codes to their 311 clients. The Socrata token is
// passed through to the SF client; it may be empty for anonymous access.
func BuildSources(cities []string, socrataToken string) ([]data311.Source, error) {
	out := make([]data311.Source, 0, len(cities))
	for _, raw := range cities {
		city, err := reports.ParseCity(raw)
		if err != nil {
			return nil, err
		}
		switch city {
		case reports.CitySF:
			out = append(out, data311.NewSFClient(socrataToken))
		case reports.CityBoston:
			out = append(out, data311.NewBostonClient())
		default:
			return nil, fmt.Errorf("no 311 feed available for city %s", city)
		}
	}
	return out, nil
}
