package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/agentauth/internal/audit"
	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/config"
	"github.com/jkaninda/agentauth/internal/credential"
	mcpdriver "github.com/jkaninda/agentauth/internal/driver/mcp"
	wsdriver "github.com/jkaninda/agentauth/internal/driver/ws"
	"github.com/jkaninda/agentauth/internal/mailbox"
	"github.com/jkaninda/agentauth/internal/observability"
	"github.com/jkaninda/agentauth/internal/scheduler"
	"github.com/jkaninda/agentauth/internal/secrets"
	"github.com/jkaninda/agentauth/internal/session"
	"github.com/jkaninda/agentauth/internal/storage"
	pgstore "github.com/jkaninda/agentauth/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/agentauth/internal/storage/sqlite"
	"github.com/jkaninda/agentauth/internal/task"
)

// SharedComponents holds the subsystems every command builds from config.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Secrets secrets.Provider

	Credentials *credential.Store
	Mailbox     *mailbox.IMAPMailbox // nil = email capabilities unavailable.
	Email       *mailbox.Service     // nil = email capabilities unavailable.
	Store       storage.Store        // nil unless the command needs history.
	AuditFile   *audit.FileLogger    // nil when the JSONL audit log is disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

type initOptions struct {
	storage bool // Open the history store.
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads the config file when it exists and falls back to
// environment-only configuration otherwise.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default()
		}
		return nil, fmt.Errorf("checking config %s: %w", path, err)
	}
	return config.Load(path)
}

// initShared performs the initialization common to all commands.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts initOptions) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	sc.Secrets = initSecrets(cfg, logger)

	// Credentials.
	if err := sc.loadCredentials(ctx); err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Mailbox.
	if cfg.EmailEnabled() {
		if err := sc.initEmail(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing mailbox: %w", err)
		}
	}

	// Storage.
	if opts.storage {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	// Health checks.
	if h := obs.HealthOrNil(); h != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB && sc.Store != nil {
			h.AddCheck("database", sc.Store.Ping)
		}
		if cfg.Observability.Health.IncludeMailbox && sc.Mailbox != nil {
			h.AddCheck("mailbox", sc.Mailbox.Ping)
		}
	}

	return sc, nil
}

// initSecrets builds the provider chain used for secret references in config.
func initSecrets(cfg *config.Config, logger *slog.Logger) secrets.Provider {
	var provider secrets.Provider = secrets.NewEnvProvider()
	if cfg.Secrets == nil || len(cfg.Secrets.Providers) == 0 {
		return provider
	}
	providers := make([]secrets.Provider, 0, len(cfg.Secrets.Providers))
	for _, sp := range cfg.Secrets.Providers {
		switch sp.Type {
		case "env":
			providers = append(providers, secrets.NewEnvProvider())
		case "vault":
			vp, err := secrets.NewVaultProvider(sp.Config)
			if err != nil {
				logger.Error("failed to create vault secret provider", slog.String("error", err.Error()))
			} else {
				providers = append(providers, vp)
			}
		default:
			logger.Warn("unknown secret provider type, skipping", slog.String("type", sp.Type))
		}
	}
	if len(providers) > 0 {
		provider = secrets.NewCompositeProvider(providers...)
	}
	return provider
}

func (sc *SharedComponents) loadCredentials(ctx context.Context) error {
	cfg, logger := sc.Config, sc.Logger
	store := credential.NewStore(logger)

	fromFiles := 0
	for _, path := range cfg.Credentials.Files {
		n, err := store.LoadFile(path)
		if err != nil {
			return fmt.Errorf("loading credentials: %w", err)
		}
		fromFiles += n
	}

	fromVault := 0
	if cfg.Credentials.Vault != nil {
		vp, err := secrets.NewVaultProvider(cfg.Credentials.Vault)
		if err != nil {
			return fmt.Errorf("creating vault client: %w", err)
		}
		fromVault, err = store.LoadVault(ctx, vp)
		if err != nil {
			return fmt.Errorf("importing credentials: %w", err)
		}
	}

	if m := sc.Obs.MetricsOrNil(); m != nil {
		m.CredentialsLoaded.WithLabelValues("file").Set(float64(fromFiles))
		m.CredentialsLoaded.WithLabelValues("vault").Set(float64(fromVault))
	}
	logger.Debug("credentials loaded",
		slog.Int("files", fromFiles),
		slog.Int("vault", fromVault),
		slog.Int("total", store.Len()),
	)
	sc.Credentials = store
	return nil
}

func (sc *SharedComponents) initEmail(ctx context.Context) error {
	ec := sc.Config.Email
	password, err := secrets.ResolveValue(ctx, sc.Secrets, ec.IMAP.Password)
	if err != nil {
		return fmt.Errorf("resolving imap password: %w", err)
	}

	imapCfg := mailbox.IMAPConfig{
		Server:      ec.IMAP.Server,
		Port:        ec.IMAP.Port,
		Username:    ec.IMAP.Username,
		Password:    password,
		Folder:      ec.IMAP.Folder,
		DialTimeout: ec.IMAP.DialTimeout(),
	}
	if ec.IMAP.DialRetries > 0 {
		imapCfg.DialRetries = uint64(ec.IMAP.DialRetries)
	}
	if ec.IMAP.InsecureSkipVerify {
		imapCfg.TLSConfig = &tls.Config{ServerName: ec.IMAP.Server, InsecureSkipVerify: true}
	}

	box, err := mailbox.NewIMAPMailbox(imapCfg, sc.Logger)
	if err != nil {
		return err
	}
	sc.Mailbox = box
	sc.Email = mailbox.NewService(box, mailbox.Config{
		PollInterval: ec.PollInterval(),
		MaxWait:      ec.MaxWait(),
	}, sc.Logger, mailbox.WithPollHook(observability.EmailPollHook(sc.Obs.MetricsOrNil())))

	sc.Logger.Debug("mailbox initialized",
		slog.String("addr", box.Addr()),
		slog.String("poll_interval", ec.PollInterval().String()),
	)
	return nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newDriver builds the configured automation driver.
func newDriver(cfg *config.Config, logger *slog.Logger) (session.Driver, error) {
	switch cfg.Driver.DriverType() {
	case config.DriverMCP:
		mc := mcpdriver.Config{Version: version}
		if cfg.Driver.MCP != nil {
			mc.ListenAddr = cfg.Driver.MCP.ListenAddr
			mc.Path = cfg.Driver.MCP.Path
			mc.Token = cfg.Driver.MCP.Token
		}
		return mcpdriver.New(mc, logger), nil
	default:
		wc := cfg.Driver.WebSocket
		if wc == nil || wc.URL == "" {
			return nil, fmt.Errorf("driver.websocket.url is required (or set AGENTAUTH_WORKER_URL)")
		}
		d, err := wsdriver.New(wsdriver.Config{
			URL:              wc.URL,
			Token:            wc.Token,
			HandshakeTimeout: time.Duration(wc.HandshakeTimeoutSeconds) * time.Second,
			ReadLimit:        wc.ReadLimitBytes,
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// newAuthenticator wires the session layer: driver, audit trail, history
// recorders and observability wrappers.
func (sc *SharedComponents) newAuthenticator() (*session.Authenticator, error) {
	cfg, logger := sc.Config, sc.Logger

	driver, err := newDriver(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing driver: %w", err)
	}
	metrics, tracer := sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil()
	if metrics != nil || tracer != nil {
		driver = observability.NewInstrumentedDriver(driver, metrics, tracer)
	}

	var sinks audit.Multi
	if !cfg.Audit.Disabled {
		fl, err := audit.NewFileLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		sc.AuditFile = fl
		sc.addCleanup(func() { _ = fl.Close() })
		sinks = append(sinks, fl)
	}
	var recorders []session.Recorder
	if sc.Store != nil {
		sinks = append(sinks, sc.Store.Audit())
		recorders = append(recorders, sc.Store.Attempts())
	}
	if metrics != nil || sc.Obs.AnomalyOrNil() != nil {
		recorders = append(recorders, observability.NewMetricsRecorder(metrics, sc.Obs.AnomalyOrNil()))
	}

	interceptors := []capability.Interceptor{}
	if metrics != nil || tracer != nil {
		interceptors = append(interceptors, observability.CapabilityInterceptor(metrics, tracer))
	}
	if len(sinks) > 0 {
		interceptors = append(interceptors, audit.Interceptor(sinks, logger))
	}

	opts := session.Options{
		Credentials:  sc.Credentials,
		Driver:       driver,
		Builder:      task.NewBuilder(cfg.Task.DeniedProviders...),
		Interceptors: interceptors,
		Recorders:    recorders,
		Timeout:      cfg.Driver.Timeout(),
		Logger:       logger,
		NewID:        func() string { return uuid.NewString() },
	}
	// A nil *mailbox.Service must stay a nil interface.
	if sc.Email != nil {
		opts.Email = sc.Email
	}
	return session.NewAuthenticator(opts)
}

// newRetentionScheduler builds the history pruning job, or nil when
// history is kept forever.
func (sc *SharedComponents) newRetentionScheduler() (*scheduler.Scheduler, error) {
	if sc.Store == nil || sc.Config.History == nil {
		return nil, nil
	}
	var metrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		metrics = scheduler.NewMetrics(m.Registry)
	}
	return scheduler.New(scheduler.Config{
		Schedule:  sc.Config.History.Schedule(),
		Retention: sc.Config.History.Retention(),
	}, []scheduler.Target{
		{Name: "attempts", Pruner: sc.Store.Attempts()},
		{Name: "capability_events", Pruner: sc.Store.Audit()},
	}, metrics, sc.Logger)
}
