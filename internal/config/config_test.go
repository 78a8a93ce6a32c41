package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "agentauth.yaml", `
data_dir: /var/lib/agentauth
credentials:
  files: [creds.json]
email:
  imap:
    server: imap.example.com
    username: bot@example.com
    password: env://IMAP_PASSWORD
  poll_interval_seconds: 2
driver:
  type: mcp
  timeout_seconds: 60
  mcp:
    listen_addr: 127.0.0.1:9000
history:
  retention_days: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/agentauth" || len(cfg.Credentials.Files) != 1 {
		t.Errorf("got %+v", cfg)
	}
	if !cfg.EmailEnabled() || cfg.Email.IMAP.Password != "env://IMAP_PASSWORD" {
		t.Errorf("email: %+v", cfg.Email)
	}
	if cfg.Email.PollInterval() != 2*time.Second || cfg.Email.MaxWait() != 120*time.Second {
		t.Errorf("poll %s, max wait %s", cfg.Email.PollInterval(), cfg.Email.MaxWait())
	}
	if cfg.Driver.DriverType() != DriverMCP || cfg.Driver.Timeout() != time.Minute {
		t.Errorf("driver: %+v", cfg.Driver)
	}
	if cfg.History.Retention() != 7*24*time.Hour || cfg.History.Schedule() != "17 3 * * *" {
		t.Errorf("history: %s %s", cfg.History.Retention(), cfg.History.Schedule())
	}
	if cfg.DatabasePath() != "/var/lib/agentauth/agentauth.db" {
		t.Errorf("db path %q", cfg.DatabasePath())
	}
	if cfg.AuditLogPath() != "/var/lib/agentauth/audit.jsonl" {
		t.Errorf("audit path %q", cfg.AuditLogPath())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "agentauth.json", `{"driver":{"websocket":{"url":"ws://worker:9222"}},"gateway":{"listen_addr":":9090"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Driver.WebSocket.URL != "ws://worker:9222" || cfg.Gateway.Addr() != ":9090" {
		t.Errorf("got %+v", cfg)
	}
	if cfg.StorageDriverName() != "sqlite" || cfg.EmailEnabled() {
		t.Errorf("defaults: storage %s, email %v", cfg.StorageDriverName(), cfg.EmailEnabled())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("IMAP_SERVER", "imap.env.test")
	t.Setenv("IMAP_PORT", "1993")
	t.Setenv("IMAP_USERNAME", "env-user")
	t.Setenv("IMAP_PASSWORD", "env-pass")
	t.Setenv("AGENTAUTH_DB_DSN", "postgres://u:p@db/agentauth")
	t.Setenv("AGENTAUTH_API_KEY", "k1")

	path := writeFile(t, "agentauth.yaml", "email:\n  imap:\n    server: imap.file.test\n    username: file-user\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	imap := cfg.Email.IMAP
	if imap.Server != "imap.env.test" || imap.Port != 1993 || imap.Username != "env-user" || imap.Password != "env-pass" {
		t.Errorf("imap: %+v", imap)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@db/agentauth" {
		t.Errorf("storage: %+v", cfg.Storage)
	}
	if cfg.Gateway.APIKeyUserMapping["k1"] != "default" {
		t.Errorf("gateway keys: %v", cfg.Gateway.APIKeyUserMapping)
	}
}

func TestDefault_EnvOnly(t *testing.T) {
	t.Setenv("IMAP_SERVER", "imap.env.test")
	t.Setenv("IMAP_USERNAME", "bot")
	t.Setenv("AGENTAUTH_DATA_DIR", t.TempDir())

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if !cfg.EmailEnabled() || cfg.Driver.DriverType() != DriverWebSocket {
		t.Errorf("got %+v", cfg)
	}
	if cfg.Driver.Timeout() != 300*time.Second {
		t.Errorf("timeout %s", cfg.Driver.Timeout())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"driver", "driver:\n  type: carrier-pigeon\n", "driver.type"},
		{"storage", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.postgres.dsn"},
		{"imap without user", "email:\n  imap:\n    server: imap.test\n", "email.imap.username"},
		{"secret provider", "secrets:\n  providers:\n    - type: aws\n", "secrets.providers[0]"},
		{"retention", "history:\n  retention_days: -1\n", "retention_days"},
		{"empty file entry", "credentials:\n  files: [\"\"]\n", "credentials.files[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_BadPort(t *testing.T) {
	t.Setenv("IMAP_PORT", "imaps")
	if _, err := Load(writeFile(t, "c.yaml", "{}\n")); err == nil {
		t.Fatal("expected error for non-numeric IMAP_PORT")
	}
}

func TestDriverTimeout(t *testing.T) {
	if got := (DriverConfig{TimeoutSeconds: -1}).Timeout(); got != 0 {
		t.Errorf("negative timeout should disable, got %s", got)
	}
}
