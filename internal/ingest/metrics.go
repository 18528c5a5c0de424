package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the 311 syncer.
type Metrics struct {
	SyncsTotal    prometheus.Counter
	SyncsFailed   prometheus.Counter
	CasesUpserted prometheus.Counter
	CasesSkipped  prometheus.Counter
	SyncDuration  prometheus.Histogram
}

// NewMetrics creates and registers syncer metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civicpulse",
			Subsystem: "ingest",
			Name:      "syncs_total",
			Help:      "Total 311 sync cycles run.",
		}),
		SyncsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civicpulse",
			Subsystem: "ingest",
			Name:      "syncs_failed_total",
			Help:      "Total 311 sync cycles with at least one source failure.",
		}),
		CasesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civicpulse",
			Subsystem: "ingest",
			Name:      "cases_upserted_total",
			Help:      "Total 311 cases upserted into the report store.",
		}),
		CasesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civicpulse",
			Subsystem: "ingest",
			Name:      "cases_skipped_total",
			Help:      "Total 311 cases skipped for missing coordinates.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "civicpulse",
			Subsystem: "ingest",
			Name:      "sync_duration_seconds",
			Help:      "Duration of each full sync cycle across all sources.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(
		m.SyncsTotal,
		m.SyncsFailed,
		m.CasesUpserted,
		m.CasesSkipped,
		m.SyncDuration,
	)

	return m
}
