// Package httpapi implements the HTTP API gateway for agentauth.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - Credential listings carry hosts and usernames only, never secrets
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/agentauth/internal/audit"
	"github.com/jkaninda/agentauth/internal/credential"
	"github.com/jkaninda/agentauth/internal/observability"
	"github.com/jkaninda/agentauth/internal/ratelimit"
	"github.com/jkaninda/agentauth/internal/session"
	"github.com/jkaninda/agentauth/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Authenticator runs one login attempt. session.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, website, username string) (*session.Result, error)
}

// CredentialLister lists stored credentials. credential.Store satisfies it.
type CredentialLister interface {
	All() []credential.Credential
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config      Config
	auth        Authenticator
	credentials CredentialLister
	attempts    storage.AttemptStore
	events      storage.AuditStore
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
	server      *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, auth Authenticator, creds CredentialLister, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:      cfg,
		auth:        auth,
		credentials: creds,
		limiter:     rl,
		logger:      logger,
		okapi:       okapi.New(),
	}
}

// WithHistory attaches attempt history and stored audit events.
func (g *Gateway) WithHistory(attempts storage.AttemptStore, events storage.AuditStore) *Gateway {
	g.attempts = attempts
	g.events = events
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "agentauth",
			Version: version,
		},
	)
	return g
}

// routes registers every endpoint. Called once from Start.
func (g *Gateway) routes() {
	maxBody := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			next.ServeHTTP(w, r)
		})
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sessions", g.handleCreateSession,
		okapi.DocSummary("Run one login attempt and return the session cookies"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionRequest{}),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Get("/credentials", g.handleListCredentials,
		okapi.DocSummary("List stored credentials without secret values"),
		okapi.DocTags("Credentials"),
		okapi.DocResponse([]CredentialResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/attempts", g.handleListAttempts,
		okapi.DocSummary("List recorded authentication attempts"),
		okapi.DocTags("History"),
		okapi.DocResponse([]AttemptResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/attempts/{id}/events", g.handleListEvents,
		okapi.DocSummary("List capability invocations of one attempt"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse([]audit.Event{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Logins run for minutes while the driver works.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SessionRequest is the JSON body for POST /v1/sessions.
type SessionRequest struct {
	Website  string `json:"website"`
	Username string `json:"username"`
}

// SessionResponse is the JSON response for POST /v1/sessions.
type SessionResponse struct {
	SessionID string           `json:"session_id"`
	Cookies   []session.Cookie `json:"cookies"`
}

func (g *Gateway) handleCreateSession(c *okapi.Context) error {
	clientID := c.GetString("userID")
	if err := g.allow(c, clientID); err != nil {
		return err
	}

	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Website == "" || req.Username == "" {
		return c.AbortBadRequest("website and username are required")
	}

	g.logger.Info("http session request",
		slog.String("client_id", clientID),
		slog.String("host", credential.NormalizeHost(req.Website)),
		slog.String("username", req.Username),
	)

	res, err := g.auth.Authenticate(c.Context(), req.Website, req.Username)
	if err != nil {
		return sessionError(c, err)
	}
	return c.OK(SessionResponse{SessionID: res.SessionID, Cookies: res.Cookies})
}

// CredentialResponse describes one stored credential without its secrets.
type CredentialResponse struct {
	Website  string `json:"website"`
	Host     string `json:"host"`
	Username string `json:"username"`
	Password bool   `json:"has_password"`
	TOTP     bool   `json:"has_totp"`
}

func (g *Gateway) handleListCredentials(c *okapi.Context) error {
	if err := g.allow(c, c.GetString("userID")); err != nil {
		return err
	}
	all := g.credentials.All()
	out := make([]CredentialResponse, 0, len(all))
	for _, cred := range all {
		out = append(out, CredentialResponse{
			Website:  cred.Website,
			Host:     cred.Host(),
			Username: cred.Username,
			Password: cred.HasPassword(),
			TOTP:     cred.HasTOTP(),
		})
	}
	return c.OK(out)
}

// AttemptResponse is one row of GET /v1/attempts.
type AttemptResponse struct {
	SessionID   string    `json:"session_id"`
	Website     string    `json:"website"`
	Host        string    `json:"host"`
	Username    string    `json:"username"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	CookieCount int       `json:"cookie_count"`
	Available   []string  `json:"capabilities"`
}

func (g *Gateway) handleListAttempts(c *okapi.Context) error {
	if err := g.allow(c, c.GetString("userID")); err != nil {
		return err
	}
	if g.attempts == nil {
		return c.AbortServiceUnavailable("attempt history is not enabled")
	}

	q := c.Request().URL.Query()
	f := storage.AttemptFilter{
		Host:     q.Get("host"),
		Username: q.Get("username"),
		Status:   q.Get("status"),
	}
	if f.Status != "" && f.Status != session.StatusDone && f.Status != session.StatusFailed {
		return c.AbortBadRequest("status must be \"done\" or \"failed\"")
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.AbortBadRequest("since must be an RFC 3339 timestamp")
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		f.Limit = n
	}

	rows, err := g.attempts.ListAttempts(c.Context(), f)
	if err != nil {
		g.logger.Error("listing attempts failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing attempts failed")
	}
	out := make([]AttemptResponse, 0, len(rows))
	for _, a := range rows {
		out = append(out, toAttemptResponse(a))
	}
	return c.OK(out)
}

func (g *Gateway) handleListEvents(c *okapi.Context) error {
	if err := g.allow(c, c.GetString("userID")); err != nil {
		return err
	}
	if g.events == nil {
		return c.AbortServiceUnavailable("audit storage is not enabled")
	}
	events, err := g.events.Query(c.Context(), c.Param("id"), 0)
	if err != nil {
		g.logger.Error("querying audit events failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("querying audit events failed")
	}
	if events == nil {
		events = []audit.Event{}
	}
	return c.OK(events)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", clientID)
		return next(c)
	}
}

// allow applies the per-client rate limit. A non-nil return is the
// already-written 429 response.
func (g *Gateway) allow(c *okapi.Context, clientID string) error {
	if err := g.limiter.Allow(clientID); err != nil {
		wait := g.limiter.RetryAfter(clientID)
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)+1))
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// --- Helpers ---

// sessionError maps authentication errors to HTTP responses.
func sessionError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, ErrorBody{Error: err.Error()})
	case errors.Is(err, session.ErrAuthenticationFailed):
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
	default:
		return c.AbortInternalServerError("authentication failed")
	}
}

func toAttemptResponse(a session.Attempt) AttemptResponse {
	caps := []string{}
	if a.Available != "" {
		caps = strings.Split(a.Available, ",")
	}
	return AttemptResponse{
		SessionID:   a.SessionID,
		Website:     a.Website,
		Host:        a.Host,
		Username:    a.Username,
		Status:      a.Status,
		Error:       a.Error,
		StartedAt:   a.StartedAt,
		DurationMS:  a.Duration().Milliseconds(),
		CookieCount: a.CookieCount,
		Available:   caps,
	}
}
