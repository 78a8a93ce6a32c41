// Package scheduler runs the history retention job. On a cron schedule it
// deletes attempts and stored audit events older than the retention window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes rows older than cutoff and reports how many were removed.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Target is one prunable table.
type Target struct {
	Name   string // Used as the metric label, e.g. "attempts".
	Pruner Pruner
}

// Config configures the retention job.
type Config struct {
	Schedule  string        // Five-field cron expression.
	Retention time.Duration // Rows older than now-Retention are deleted.
}

// Scheduler runs the retention job. It runs as a background goroutine in serve mode.
type Scheduler struct {
	targets   []Target
	retention time.Duration
	schedule  cron.Schedule
	expr      string
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New validates cfg and creates a Scheduler. metrics may be nil.
func New(cfg Config, targets []Target, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		targets:   targets,
		retention: cfg.Retention,
		schedule:  sched,
		expr:      cfg.Schedule,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "retention scheduler started",
			slog.String("schedule", s.expr),
			slog.String("retention", s.retention.String()),
		)
		for {
			wait := s.NextRun().Sub(s.now())
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("retention scheduler stopped")
				return
			case <-timer.C:
				_, _ = s.RunOnce(ctx)
			}
		}
	}()

	return cancel
}

// NextRun returns the next scheduled run after now.
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(s.now().UTC())
}

// RunOnce prunes every target immediately. A failing target does not stop
// the others; their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) (map[string]int64, error) {
	start := s.now()
	cutoff := start.UTC().Add(-s.retention)
	removed := make(map[string]int64, len(s.targets))

	var errs []error
	for _, t := range s.targets {
		n, err := t.Pruner.PruneBefore(ctx, cutoff)
		if err != nil {
			s.logger.ErrorContext(ctx, "retention prune failed",
				slog.String("target", t.Name),
				slog.String("error", err.Error()),
			)
			if s.metrics != nil {
				s.metrics.Failures.WithLabelValues(t.Name).Inc()
			}
			errs = append(errs, fmt.Errorf("pruning %s: %w", t.Name, err))
			continue
		}
		removed[t.Name] = n
		if s.metrics != nil {
			s.metrics.Pruned.WithLabelValues(t.Name).Add(float64(n))
		}
	}

	if s.metrics != nil {
		s.metrics.Runs.Inc()
		s.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.InfoContext(ctx, "retention prune complete",
		slog.Time("cutoff", cutoff),
		slog.Any("removed", removed),
	)
	return removed, errors.Join(errs...)
}

// ValidateSchedule reports whether expr is a valid five-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
