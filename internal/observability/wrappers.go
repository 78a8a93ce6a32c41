package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/agentauth/internal/audit"
	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/credential"
	"github.com/jkaninda/agentauth/internal/mailbox"
	"github.com/jkaninda/agentauth/internal/session"
)

// --- Capability interceptor ---

// CapabilityInterceptor returns a capability.Interceptor that counts and
// times every invocation. Both arguments may be nil.
func CapabilityInterceptor(metrics *MetricsCollector, ts *TracerSetup) capability.Interceptor {
	tracer := ts.tracerOrNil()
	return func(ctx context.Context, t capability.Target, k capability.Kind, next capability.Handler) (string, error) {
		if tracer != nil {
			var span trace.Span
			ctx, span = tracer.Start(ctx, "capability.invoke",
				trace.WithAttributes(
					attribute.String("capability.name", k.Name()),
					attribute.String("session.id", t.SessionID),
				))
			defer span.End()
		}

		start := time.Now()
		value, err := next(ctx, t)
		duration := time.Since(start).Seconds()

		if err != nil && tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if metrics != nil {
			metrics.CapabilityInvocationsTotal.WithLabelValues(k.Name(), audit.ResultFor(err)).Inc()
			metrics.CapabilityDuration.WithLabelValues(k.Name()).Observe(duration)
		}
		return value, err
	}
}

// --- InstrumentedDriver ---

// InstrumentedDriver wraps a session.Driver with an active-session gauge and a span.
type InstrumentedDriver struct {
	inner   session.Driver
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedDriver wraps a driver with observability.
func NewInstrumentedDriver(inner session.Driver, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedDriver {
	return &InstrumentedDriver{inner: inner, metrics: metrics, tracer: ts.tracerOrNil()}
}

func (d *InstrumentedDriver) Run(ctx context.Context, h session.Handoff) (*session.Outcome, error) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "driver.run",
			trace.WithAttributes(
				attribute.String("session.id", h.SessionID),
				attribute.String("capabilities.available", h.Capabilities.Available().String()),
			))
		defer span.End()
	}

	if d.metrics != nil {
		d.metrics.ActiveSessions.Inc()
		defer d.metrics.ActiveSessions.Dec()
	}

	out, err := d.inner.Run(ctx, h)
	if err != nil && d.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// --- MetricsRecorder ---

// MetricsRecorder is a session.Recorder that feeds attempt outcomes into
// metrics and the anomaly detector. Anomalies are tracked per host.
type MetricsRecorder struct {
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewMetricsRecorder creates a recorder. Either argument may be nil.
func NewMetricsRecorder(metrics *MetricsCollector, anomaly *AnomalyDetector) *MetricsRecorder {
	return &MetricsRecorder{metrics: metrics, anomaly: anomaly}
}

func (r *MetricsRecorder) RecordAttempt(_ context.Context, a session.Attempt) error {
	if r.metrics != nil {
		r.metrics.SessionsTotal.WithLabelValues(a.Status).Inc()
		r.metrics.SessionDuration.WithLabelValues(a.Status).Observe(a.Duration().Seconds())
	}

	host := a.Host
	if host == "" {
		host = credential.NormalizeHost(a.Website)
	}
	if a.Status == session.StatusDone {
		r.anomaly.RecordSuccess("login:" + host)
	} else {
		r.anomaly.RecordFailure("login:" + host)
	}
	return nil
}

// EmailPollHook returns a mailbox.PollHook counting polls by outcome.
// Returns nil when metrics are disabled.
func EmailPollHook(metrics *MetricsCollector) mailbox.PollHook {
	if metrics == nil {
		return nil
	}
	return func(kind string, found bool, err error) {
		outcome := "empty"
		switch {
		case err != nil:
			outcome = "error"
		case found:
			outcome = "found"
		}
		metrics.EmailPollsTotal.WithLabelValues(kind, outcome).Inc()
	}
}
