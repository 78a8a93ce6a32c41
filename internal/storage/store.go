// Package storage defines the Store interface for attempt history and
// stored capability audit events. Two backends are provided: SQLite
// (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/agentauth/internal/audit"
	"github.com/jkaninda/agentauth/internal/session"
)

// Store is the unified persistence interface for agentauth.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Attempts() AttemptStore
	Audit() AuditStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// AttemptStore persists one row per authentication attempt.
// It satisfies session.Recorder.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a session.Attempt) error
	ListAttempts(ctx context.Context, f AttemptFilter) ([]session.Attempt, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore persists capability invocation events. It is append-only
// apart from retention pruning, and satisfies audit.Sink.
type AuditStore interface {
	Append(ctx context.Context, e audit.Event) error
	Query(ctx context.Context, sessionID string, limit int) ([]audit.Event, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AttemptFilter narrows ListAttempts. Zero fields match everything.
type AttemptFilter struct {
	Host     string
	Username string
	Status   string
	Since    time.Time
	Limit    int // Default: DefaultListLimit, capped at MaxListLimit.
}

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// EffectiveLimit clamps f.Limit into [1, MaxListLimit].
func (f AttemptFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
