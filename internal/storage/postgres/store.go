package postgres

import (
	"context"

	"github.com/jkaninda/agentauth/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB     *DB
	attempts *AttemptRepository
	audit    *AuditRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:     pgDB,
		attempts: NewAttemptRepository(pgDB.GormDB()),
		audit:    NewAuditRepository(pgDB.GormDB()),
	}
}

func (s *Store) Attempts() storage.AttemptStore { return s.attempts }
func (s *Store) Audit() storage.AuditStore       { return s.audit }

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Migrate(ctx context.Context) error { return s.pgDB.Migrate(ctx) }

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}
