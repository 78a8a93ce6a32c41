package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention job.
type Metrics struct {
	Runs        prometheus.Counter
	Pruned      *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	RunDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentauth",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Total retention job runs.",
		}),
		Pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentauth",
			Subsystem: "retention",
			Name:      "pruned_rows_total",
			Help:      "Total rows deleted by the retention job.",
		}, []string{"target"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentauth",
			Subsystem: "retention",
			Name:      "failures_total",
			Help:      "Total failed prune operations.",
		}, []string{"target"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentauth",
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Duration of each retention run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.Pruned,
		m.Failures,
		m.RunDuration,
	)

	return m
}
