package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for agentauth.
// Uses a custom registry; no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session metrics.
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge

	// Capability metrics.
	CapabilityInvocationsTotal *prometheus.CounterVec
	CapabilityDuration         *prometheus.HistogramVec

	// Mailbox metrics.
	EmailPollsTotal *prometheus.CounterVec

	// Credential store size by source.
	CredentialsLoaded *prometheus.GaugeVec

	// Anomalies flagged by the detector.
	AnomaliesTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentauth",
			Subsystem: "session",
			Name:      "attempts_total",
			Help:      "Total authentication attempts by final status.",
		}, []string{"status"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentauth",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Authentication attempt duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentauth",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of attempts currently handed to a driver.",
		}),

		CapabilityInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentauth",
			Subsystem: "capability",
			Name:      "invocations_total",
			Help:      "Total capability invocations by result.",
		}, []string{"capability", "result"}),

		CapabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentauth",
			Subsystem: "capability",
			Name:      "duration_seconds",
			Help:      "Capability invocation duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60, 120},
		}, []string{"capability"}),

		EmailPollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentauth",
			Subsystem: "email",
			Name:      "polls_total",
			Help:      "Total mailbox polls by lookup kind and outcome.",
		}, []string{"kind", "outcome"}),

		CredentialsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentauth",
			Subsystem: "credentials",
			Name:      "loaded",
			Help:      "Credentials loaded at startup by source.",
		}, []string{"source"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentauth",
			Name:      "anomalies_total",
			Help:      "Failure-rate anomalies flagged by the detector.",
		}, []string{"operation"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentauth",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentauth",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentauth",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.ActiveSessions,
		m.CapabilityInvocationsTotal,
		m.CapabilityDuration,
		m.EmailPollsTotal,
		m.CredentialsLoaded,
		m.AnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the registry, or nil when metrics are disabled.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
