package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// RunMetrics holds Prometheus metrics for the analysis run pipeline.
// All metrics use the civicpulse_run_ namespace.
type RunMetrics struct {
	RunsTotal             *prometheus.CounterVec
	RunDuration           *prometheus.HistogramVec
	AgentInvocationsTotal *prometheus.CounterVec
	TokensForwardedTotal  *prometheus.CounterVec
	ActiveRuns            prometheus.Gauge
}

// NewRunMetrics creates and registers run metrics on the given registry.
// Returns nil if reg is nil.
func NewRunMetrics(reg *prometheus.Registry) *RunMetrics {
	if reg == nil {
		return nil
	}

	m := &RunMetrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civicpulse",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total analysis runs by final status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "civicpulse",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run total duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		AgentInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civicpulse",
			Subsystem: "run",
			Name:      "agent_invocations_total",
			Help:      "Total agent invocations by role and outcome.",
		}, []string{"agent", "status"}),

		TokensForwardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civicpulse",
			Subsystem: "run",
			Name:      "tokens_forwarded_total",
			Help:      "Total token chunks forwarded to clients by agent role.",
		}, []string{"agent"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "civicpulse",
			Subsystem: "run",
			Name:      "active_runs",
			Help:      "Number of currently executing runs.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.AgentInvocationsTotal,
		m.TokensForwardedTotal,
		m.ActiveRuns,
	)

	return m
}
