// Package audit records every capability invocation. Events name the
// capability and the outcome; they never carry the resolved secret.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/credential"
)

// Results recorded on events.
const (
	ResultSuccess      = "success"
	ResultNotAvailable = "not_available"
	ResultError        = "error"
)

// Event is one capability invocation.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Host       string    `json:"host"`
	Username   string    `json:"username"`
	Capability string    `json:"capability"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Sink persists audit events.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// FileLogger writes audit events as append-only JSONL.
// Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewFileLogger opens (or creates) the audit log with mode 0600.
func NewFileLogger(path string, logger *slog.Logger) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileLogger{file: f, logger: logger}, nil
}

// Append serializes the event outside the lock; only the write is serialized.
func (a *FileLogger) Append(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("capability", event.Capability),
		slog.String("result", event.Result),
		slog.String("session_id", event.SessionID),
	)
	return nil
}

// Close closes the underlying file.
func (a *FileLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Multi fans an event out to several sinks. Nil sinks are skipped and every
// sink is attempted even when an earlier one fails.
type Multi []Sink

func (m Multi) Append(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Interceptor returns a capability interceptor that records each invocation.
// A failing sink is logged and never fails the lookup itself.
func Interceptor(sink Sink, logger *slog.Logger) capability.Interceptor {
	return func(ctx context.Context, t capability.Target, k capability.Kind, next capability.Handler) (string, error) {
		start := time.Now()
		value, err := next(ctx, t)

		event := Event{
			Timestamp:  start.UTC(),
			SessionID:  t.SessionID,
			Host:       credential.NormalizeHost(t.Website),
			Username:   t.Username,
			Capability: k.Name(),
			Result:     ResultFor(err),
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			event.Error = err.Error()
		}
		if auditErr := sink.Append(context.WithoutCancel(ctx), event); auditErr != nil {
			logger.WarnContext(ctx, "audit write failed",
				slog.String("capability", k.Name()),
				slog.String("error", auditErr.Error()),
			)
		}
		return value, err
	}
}

// ResultFor classifies an invocation outcome.
func ResultFor(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, capability.ErrNotAvailable):
		return ResultNotAvailable
	default:
		return ResultError
	}
}
