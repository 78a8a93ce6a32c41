package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/agentauth/internal/config"
)

// AnomalyDetector flags operations whose failure rate over a sliding window
// exceeds a threshold, such as repeated failed logins against one host.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	minTotal  float64
	window    time.Duration
	metrics   *MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config. metrics may be nil.
func NewAnomalyDetector(cfg *config.AnomalyConfig, metrics *MetricsCollector, logger *slog.Logger) *AnomalyDetector {
	window := 300 * time.Second
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 5
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		threshold: cfg.ErrorRateThreshold,
		minTotal:  float64(minSamples),
		window:    window,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordFailure records a failed operation and reports whether the failure
// rate for it is now above the threshold.
func (a *AnomalyDetector) RecordFailure(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.failures, operation).add(a.now())
	return a.checkRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, operation).add(a.now())
}

// checkRate must be called with a.mu held.
func (a *AnomalyDetector) checkRate(operation string) bool {
	if a.threshold <= 0 {
		return false
	}
	now := a.now()
	failures := a.windowFor(a.failures, operation).count(now)
	total := failures + a.windowFor(a.successes, operation).count(now)
	if total < a.minTotal {
		return false
	}

	rate := failures / total
	if rate <= a.threshold {
		return false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high failure rate",
			slog.String("operation", operation),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("failures", failures),
			slog.Float64("total", total),
		)
	}
	if a.metrics != nil {
		a.metrics.AnomaliesTotal.WithLabelValues(operation).Inc()
	}
	return true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) float64 {
	w.prune(now)
	return float64(len(w.entries))
}

// prune removes entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
