// Package config handles loading and validating agentauth configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Driver types.
const (
	DriverWebSocket = "websocket"
	DriverMCP       = "mcp"
)

// Config is the root configuration for agentauth.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.agentauth. Override: AGENTAUTH_DATA_DIR.
	Credentials   CredentialsConfig    `json:"credentials" yaml:"credentials"`
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"` // nil = env-only secret references
	Email         *EmailConfig         `json:"email,omitempty" yaml:"email,omitempty"`     // nil = email capabilities unavailable
	Driver        DriverConfig         `json:"driver" yaml:"driver"`
	Task          TaskConfig           `json:"task" yaml:"task"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"` // nil = HTTP API disabled
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the data dir
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"` // nil = attempts kept forever
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// CredentialsConfig lists where credentials are loaded from at startup.
type CredentialsConfig struct {
	Files []string `json:"files" yaml:"files"` // JSON or YAML credential files, loaded in order.
	// Vault imports every KV v2 item that carries a website. nil = no import.
	// Keys are those of the vault secret provider (address, token, namespace, mounts, timeout).
	Vault map[string]string `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// SecretsConfig configures the secret provider chain used to resolve
// references such as the IMAP password ("env://IMAP_PASSWORD", "vault://...").
// When nil, only environment variable references resolve.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env" or "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// EmailConfig configures the verification mailbox.
type EmailConfig struct {
	IMAP                IMAPConfig `json:"imap" yaml:"imap"`
	PollIntervalSeconds int        `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 5
	MaxWaitSeconds      int        `json:"max_wait_seconds" yaml:"max_wait_seconds"`           // Default: 120
}

// IMAPConfig configures the IMAP connection.
// Server, port, username and password can be overridden by IMAP_SERVER,
// IMAP_PORT, IMAP_USERNAME and IMAP_PASSWORD.
type IMAPConfig struct {
	Server             string `json:"server" yaml:"server"`
	Port               int    `json:"port" yaml:"port"` // Default: 993
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password,omitempty" yaml:"password,omitempty"` // Literal or secret reference.
	Folder             string `json:"folder" yaml:"folder"`                         // Default: INBOX
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds" yaml:"dial_timeout_seconds"` // Default: 10
	DialRetries        int    `json:"dial_retries" yaml:"dial_retries"`                 // Default: 3
}

// PollInterval returns the mailbox poll interval. Default: 5s.
func (e *EmailConfig) PollInterval() time.Duration {
	if e != nil && e.PollIntervalSeconds > 0 {
		return time.Duration(e.PollIntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// MaxWait returns the upper bound of one email lookup. Default: 120s.
func (e *EmailConfig) MaxWait() time.Duration {
	if e != nil && e.MaxWaitSeconds > 0 {
		return time.Duration(e.MaxWaitSeconds) * time.Second
	}
	return 120 * time.Second
}

// DialTimeout returns the IMAP dial timeout. Default: 10s.
func (i IMAPConfig) DialTimeout() time.Duration {
	if i.DialTimeoutSeconds > 0 {
		return time.Duration(i.DialTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// DriverConfig selects and configures the automation driver.
type DriverConfig struct {
	Type           string                 `json:"type" yaml:"type"`                       // "websocket" (default) or "mcp".
	TimeoutSeconds int                    `json:"timeout_seconds" yaml:"timeout_seconds"` // Upper bound per attempt. Default: 300. Negative disables.
	WebSocket      *WebSocketDriverConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	MCP            *MCPDriverConfig       `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// WebSocketDriverConfig configures the WebSocket worker driver.
type WebSocketDriverConfig struct {
	URL                     string `json:"url" yaml:"url"`                         // e.g. "ws://localhost:9222/agentauth"
	Token                   string `json:"token,omitempty" yaml:"token,omitempty"` // Override: AGENTAUTH_WORKER_TOKEN.
	HandshakeTimeoutSeconds int    `json:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	ReadLimitBytes          int64  `json:"read_limit_bytes" yaml:"read_limit_bytes"`
}

// MCPDriverConfig configures the MCP driver endpoint.
type MCPDriverConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: "127.0.0.1:8765"
	Path       string `json:"path" yaml:"path"`               // Default: "/mcp"
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
}

// DriverType returns the configured driver, defaulting to "websocket".
func (d DriverConfig) DriverType() string {
	if d.Type != "" {
		return d.Type
	}
	return DriverWebSocket
}

// Timeout returns the per-attempt upper bound. 0 means no bound.
func (d DriverConfig) Timeout() time.Duration {
	switch {
	case d.TimeoutSeconds < 0:
		return 0
	case d.TimeoutSeconds == 0:
		return 300 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// TaskConfig tunes the generated login instructions.
type TaskConfig struct {
	DeniedProviders []string `json:"denied_providers,omitempty" yaml:"denied_providers,omitempty"` // Empty = built-in list.
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → client ID. Extra key: AGENTAUTH_API_KEY.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address. Default: ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// StorageConfig configures the attempt history backend.
// When nil, defaults to SQLite with the database under the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/agentauth.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
// DSN can be overridden by AGENTAUTH_DB_DSN.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// HistoryConfig configures pruning of attempt history and stored audit events.
type HistoryConfig struct {
	RetentionDays int    `json:"retention_days" yaml:"retention_days"` // Default: 30
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"` // Cron expression. Default: "17 3 * * *"
}

// Retention returns how long attempts are kept.
func (h *HistoryConfig) Retention() time.Duration {
	days := 30
	if h != nil && h.RetentionDays > 0 {
		days = h.RetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Schedule returns the prune cron expression.
func (h *HistoryConfig) Schedule() string {
	if h != nil && h.PruneSchedule != "" {
		return h.PruneSchedule
	}
	return "17 3 * * *"
}

// AuditConfig configures the JSONL audit trail of capability invocations.
type AuditConfig struct {
	Path     string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl
	Disabled bool   `json:"disabled" yaml:"disabled"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "agentauth"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev

	// Headers are sent with every export, e.g. a collector API key.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeMailbox bool `json:"include_mailbox" yaml:"include_mailbox"`
}

// AnomalyConfig configures threshold-based detection of authentication failure spikes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed attempts
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.agentauth/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/agentauth.yaml"
	}
	return filepath.Join(home, ".agentauth", "config.yaml")
}

// Default returns the configuration used when no file exists: env-driven
// IMAP, a WebSocket driver and SQLite history.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := c.applyEnv(); err != nil {
		return err
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".agentauth")
		}
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("AGENTAUTH_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	// IMAP settings. Any of them enables the email section.
	for _, key := range []string{"IMAP_SERVER", "IMAP_PORT", "IMAP_USERNAME", "IMAP_PASSWORD"} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		if c.Email == nil {
			c.Email = &EmailConfig{}
		}
		switch key {
		case "IMAP_SERVER":
			c.Email.IMAP.Server = v
		case "IMAP_USERNAME":
			c.Email.IMAP.Username = v
		case "IMAP_PASSWORD":
			c.Email.IMAP.Password = v
		case "IMAP_PORT":
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("IMAP_PORT %q is not a number", v)
			}
			c.Email.IMAP.Port = port
		}
	}

	if v := os.Getenv("AGENTAUTH_WORKER_URL"); v != "" {
		if c.Driver.WebSocket == nil {
			c.Driver.WebSocket = &WebSocketDriverConfig{}
		}
		c.Driver.WebSocket.URL = v
	}
	if v := os.Getenv("AGENTAUTH_WORKER_TOKEN"); v != "" {
		if c.Driver.WebSocket == nil {
			c.Driver.WebSocket = &WebSocketDriverConfig{}
		}
		c.Driver.WebSocket.Token = v
	}

	if v := os.Getenv("AGENTAUTH_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}

	if v := os.Getenv("AGENTAUTH_API_KEY"); v != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		if c.Gateway.APIKeyUserMapping == nil {
			c.Gateway.APIKeyUserMapping = map[string]string{}
		}
		c.Gateway.APIKeyUserMapping[v] = "default"
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "agentauth.db")
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// EmailEnabled reports whether a mailbox is configured.
func (c *Config) EmailEnabled() bool {
	return c.Email != nil && c.Email.IMAP.Server != ""
}

func (c *Config) validate() error {
	for i, f := range c.Credentials.Files {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("credentials.files[%d] is empty", i)
		}
	}
	if c.Email != nil {
		if c.Email.IMAP.Server != "" && c.Email.IMAP.Username == "" {
			return fmt.Errorf("email.imap.username is required (set IMAP_USERNAME env var)")
		}
		if c.Email.IMAP.Port < 0 || c.Email.IMAP.Port > 65535 {
			return fmt.Errorf("email.imap.port %d is out of range", c.Email.IMAP.Port)
		}
		if c.Email.PollIntervalSeconds < 0 || c.Email.MaxWaitSeconds < 0 {
			return fmt.Errorf("email poll_interval_seconds and max_wait_seconds must not be negative")
		}
	}
	switch c.Driver.DriverType() {
	case DriverWebSocket, DriverMCP:
	default:
		return fmt.Errorf("driver.type %q is not supported (use websocket or mcp)", c.Driver.Type)
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set AGENTAUTH_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.History != nil && c.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must not be negative")
	}
	if c.Secrets != nil {
		for i, p := range c.Secrets.Providers {
			switch p.Type {
			case "env", "vault":
			default:
				return fmt.Errorf("secrets.providers[%d]: type %q is not supported (use env or vault)", i, p.Type)
			}
		}
	}
	if c.Gateway != nil && c.Gateway.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("gateway.rate_limit.requests_per_minute must not be negative")
	}
	return nil
}
