package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/agentauth/internal/config"
	"github.com/jkaninda/agentauth/internal/gateway"
	"github.com/jkaninda/agentauth/internal/gateway/httpapi"
	"github.com/jkaninda/agentauth/internal/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the history retention job",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so `agentauth --port` and
	// `agentauth serve --port` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(verbose)

	path := goutils.Env("AGENTAUTH_CONFIG", configPath)
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	gwCfg := cfg.Gateway
	if gwCfg == nil {
		gwCfg = &config.GatewayConfig{}
	}
	if servePort != "" {
		gwCfg.ListenAddr = servePort
	}
	if len(gwCfg.APIKeyUserMapping) == 0 {
		return fmt.Errorf("gateway.api_key_user_mapping is empty (or set AGENTAUTH_API_KEY)")
	}

	logger.Info("starting agentauth", slog.String("config", path), slog.String("version", version))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, initOptions{storage: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	auth, err := sc.newAuthenticator()
	if err != nil {
		return err
	}

	sched, err := sc.newRetentionScheduler()
	if err != nil {
		return fmt.Errorf("initializing retention job: %w", err)
	}
	if sched != nil {
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
		logger.Debug("retention job scheduled", slog.Time("next_run", sched.NextRun()))
	}

	apiCfg := httpapi.Config{
		ListenAddr:     gwCfg.Addr(),
		EnableDocs:     gwCfg.EnableDocs,
		APIKeys:        gwCfg.APIKeyUserMapping,
		MaxRequestSize: gwCfg.MaxRequestSizeBytes,
		Version:        version,
		HealthChecker:  sc.Obs.HealthOrNil(),
		Metrics:        sc.Obs.MetricsOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		apiCfg.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			apiCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		apiCfg.Tracer = ts.Tracer()
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: gwCfg.RateLimit.RequestsPerMinute,
		BurstSize:         gwCfg.RateLimit.BurstSize,
	})
	var gw gateway.Gateway = httpapi.NewGateway(apiCfg, auth, sc.Credentials, limiter, logger).
		WithHistory(sc.Store.Attempts(), sc.Store.Audit())

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("http api shutdown", slog.String("error", err.Error()))
	}
	return nil
}
