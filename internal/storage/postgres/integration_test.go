//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/agentauth/internal/audit"
	"github.com/jkaninda/agentauth/internal/session"
	"github.com/jkaninda/agentauth/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

func TestOpen_RequiresDSN(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestAttempts_ConcurrentRecord(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	host := uuid.NewString()[:8] + ".test"
	start := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Attempts().RecordAttempt(ctx, session.Attempt{
				SessionID:  uuid.NewString(),
				Website:    "https://" + host,
				Host:       host,
				Username:   "bob",
				Status:     session.StatusDone,
				StartedAt:  start,
				FinishedAt: start.Add(time.Second),
			})
			if err != nil {
				t.Errorf("RecordAttempt: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Attempts().ListAttempts(ctx, storage.AttemptFilter{Host: host, Limit: 100})
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(got) != 20 {
		t.Errorf("got %d attempts, want 20", len(got))
	}
}

func TestAudit_AppendQueryPrune(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	sid := uuid.NewString()
	old := time.Now().UTC().Add(-48 * time.Hour)

	for _, ts := range []time.Time{old, time.Now().UTC()} {
		if err := store.Audit().Append(ctx, audit.Event{
			Timestamp: ts, SessionID: sid, Host: "a.test", Username: "bob",
			Capability: "lookup_password", Result: audit.ResultSuccess,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := store.Audit().PruneBefore(ctx, time.Now().UTC().Add(-24*time.Hour)); err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	events, err := store.Audit().Query(ctx, sid, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events after prune, want 1", len(events))
	}
}
