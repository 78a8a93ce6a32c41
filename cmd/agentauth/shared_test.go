package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/agentauth/internal/config"
	"github.com/jkaninda/agentauth/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoadConfig_MissingFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTAUTH_DATA_DIR", dir)

	cfg, err := loadConfig(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ResolvedDataDir() != dir {
		t.Errorf("data dir = %q, want %q", cfg.ResolvedDataDir(), dir)
	}
}

func TestInitShared_Wiring(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTAUTH_DATA_DIR", dir)

	credsPath := filepath.Join(dir, "credentials.json")
	writeFile(t, credsPath, `[{"website":"https://a.test","username":"bob","password":"p1"}]`)
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, `
credentials:
  files: ["`+credsPath+`"]
driver:
  type: mcp
  mcp:
    listen_addr: "127.0.0.1:0"
history:
  retention_days: 7
observability:
  metrics:
    enabled: true
  health:
    include_db: true
`)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	ctx := context.Background()
	sc, err := initShared(ctx, cfg, discardLogger(), initOptions{storage: true})
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Credentials.Len() != 1 {
		t.Errorf("credentials = %d, want 1", sc.Credentials.Len())
	}
	if sc.Email != nil {
		t.Error("email should be disabled without an IMAP server")
	}
	if sc.Store == nil || sc.Store.Driver() != storage.DriverSQLite {
		t.Fatalf("expected sqlite store, got %v", sc.Store)
	}
	if status := sc.Obs.HealthOrNil().CheckReady(ctx); status.Status != "ok" {
		t.Errorf("readiness = %+v", status)
	}

	if _, err := sc.newAuthenticator(); err != nil {
		t.Fatalf("newAuthenticator: %v", err)
	}
	if sc.AuditFile == nil {
		t.Error("expected the JSONL audit log to be opened")
	}

	sched, err := sc.newRetentionScheduler()
	if err != nil || sched == nil {
		t.Fatalf("newRetentionScheduler = %v, %v", sched, err)
	}
	pruned, err := sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(pruned) != 2 {
		t.Errorf("pruned targets = %v, want attempts and capability_events", pruned)
	}
}

func TestNewDriver_WebSocketNeedsURL(t *testing.T) {
	cfg := &config.Config{}
	if _, err := newDriver(cfg, discardLogger()); err == nil {
		t.Fatal("expected error without a worker URL")
	}

	cfg.Driver.WebSocket = &config.WebSocketDriverConfig{URL: "ws://127.0.0.1:1/agentauth"}
	if _, err := newDriver(cfg, discardLogger()); err != nil {
		t.Fatalf("newDriver: %v", err)
	}
}
