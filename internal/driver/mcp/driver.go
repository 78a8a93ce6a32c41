// Package mcp drives a login through an MCP-capable agent. For the length of
// one attempt it serves the task and every capability as MCP tools over
// streamable HTTP; the agent reports the outcome by calling complete_login
// or abort_login.
package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/session"
)

// Tool names besides the capability tools.
const (
	ToolGetLoginTask       = "get_login_task"
	ToolResolvePlaceholder = "resolve_placeholder"
	ToolCompleteLogin      = "complete_login"
	ToolAbortLogin         = "abort_login"
)

// ErrAborted is returned when the agent gives up on the login.
var ErrAborted = errors.New("agent aborted the login")

// Config configures the MCP driver.
type Config struct {
	ListenAddr string // Default "127.0.0.1:8765".
	Path       string // Default "/mcp".
	Token      string // Optional bearer token required from the agent.
	Version    string
}

// Driver implements session.Driver. Attempts are served one at a time
// because they share the listen address.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	slot   chan struct{}

	mu   sync.Mutex
	addr string
}

// New creates an MCP driver.
func New(cfg Config, logger *slog.Logger) *Driver {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8765"
	}
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{cfg: cfg, logger: logger, slot: make(chan struct{}, 1)}
}

// Addr returns the address of the running endpoint, or "" between attempts.
func (d *Driver) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run serves one attempt and blocks until the agent reports an outcome or ctx ends.
func (d *Driver) Run(ctx context.Context, h session.Handoff) (*session.Outcome, error) {
	select {
	case d.slot <- struct{}{}:
		defer func() { <-d.slot }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", d.cfg.ListenAddr, err)
	}

	// Tool handlers run on HTTP request contexts; runCtx ties them to the
	// attempt so a cancelled login stops in-flight capability calls.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	att := newAttempt(runCtx, h, d.logger)
	mux := http.NewServeMux()
	mux.Handle(d.cfg.Path, d.authorize(server.NewStreamableHTTPServer(att.server(d.cfg.Version))))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	d.setAddr(ln.Addr().String())
	defer d.setAddr("")
	d.logger.InfoContext(ctx, "mcp driver listening",
		slog.String("session_id", h.SessionID),
		slog.String("addr", ln.Addr().String()),
		slog.String("path", d.cfg.Path),
	)

	defer func() {
		cancelRun()
		if ctx.Err() != nil {
			_ = srv.Close()
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-serveErr:
		return nil, fmt.Errorf("mcp endpoint stopped: %w", err)
	case res := <-att.done:
		return res.outcome, res.err
	}
}

func (d *Driver) setAddr(addr string) {
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
}

func (d *Driver) authorize(next http.Handler) http.Handler {
	if d.cfg.Token == "" {
		return next
	}
	want := []byte("Bearer " + d.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type result struct {
	outcome *session.Outcome
	err     error
}

// attempt holds the tool handlers of one login. ctx ends with the attempt.
type attempt struct {
	ctx    context.Context
	h      session.Handoff
	logger *slog.Logger
	done   chan result
	once   sync.Once
}

func newAttempt(ctx context.Context, h session.Handoff, logger *slog.Logger) *attempt {
	return &attempt{ctx: ctx, h: h, logger: logger, done: make(chan result, 1)}
}

// bind returns a context that ends with either the request or the attempt.
func (a *attempt) bind(reqCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(reqCtx)
	stop := context.AfterFunc(a.ctx, func() { cancel(context.Cause(a.ctx)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

func (a *attempt) finish(r result) bool {
	delivered := false
	a.once.Do(func() {
		a.done <- r
		delivered = true
	})
	return delivered
}

func (a *attempt) server(version string) *server.MCPServer {
	s := server.NewMCPServer("agentauth", version,
		server.WithToolCapabilities(false),
		server.WithInstructions("Call "+ToolGetLoginTask+" first, follow its guidance, then call "+
			ToolCompleteLogin+" with the browser cookies or "+ToolAbortLogin+" with a reason."),
	)

	s.AddTool(mcp.NewTool(ToolGetLoginTask,
		mcp.WithDescription("Get the login instructions. Values appear as placeholders such as x_username."),
	), a.handleGetTask)

	s.AddTool(mcp.NewTool(ToolResolvePlaceholder,
		mcp.WithDescription("Get the value of a placeholder from the login instructions, right before typing it."),
		mcp.WithString("placeholder", mcp.Required(), mcp.Description("Placeholder name, e.g. x_password")),
	), a.handleResolvePlaceholder)

	for _, c := range a.h.Capabilities.All() {
		s.AddTool(mcp.NewTool(c.Name, mcp.WithDescription(c.Description)), a.handleCapability(c.Kind))
	}

	s.AddTool(mcp.NewTool(ToolCompleteLogin,
		mcp.WithDescription("Report a successful login together with the browser cookies."),
		mcp.WithString("cookies", mcp.Required(),
			mcp.Description(`JSON array of cookies: [{"name","value","domain","path","expires","httpOnly","secure","sameSite"}]`)),
		mcp.WithString("summary", mcp.Description("Short description of what was done")),
	), a.handleComplete)

	s.AddTool(mcp.NewTool(ToolAbortLogin,
		mcp.WithDescription("Give up on the login."),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the login cannot be completed")),
	), a.handleAbort)

	return s
}

func (a *attempt) handleGetTask(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(a.h.Instructions), nil
}

func (a *attempt) handleResolvePlaceholder(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("placeholder", "")
	value, ok := a.h.Secrets[name]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown placeholder %q", name)), nil
	}
	return mcp.NewToolResultText(value), nil
}

func (a *attempt) handleCapability(k capability.Kind) server.ToolHandlerFunc {
	return func(reqCtx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, cancel := a.bind(reqCtx)
		defer cancel()
		value, err := a.h.Capabilities.Invoke(ctx, k)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(value), nil
	}
}

func (a *attempt) handleComplete(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var cookies []session.Cookie
	if err := json.Unmarshal([]byte(req.GetString("cookies", "")), &cookies); err != nil {
		return mcp.NewToolResultError("cookies must be a JSON array of cookie objects: " + err.Error()), nil
	}
	out := &session.Outcome{Completed: true, Cookies: cookies, Summary: req.GetString("summary", "")}
	if !a.finish(result{outcome: out}) {
		return mcp.NewToolResultError("login outcome already reported"), nil
	}
	a.logger.Info("agent completed login",
		slog.String("session_id", a.h.SessionID),
		slog.Int("cookies", len(cookies)),
	)
	return mcp.NewToolResultText(fmt.Sprintf("login recorded with %d cookies", len(cookies))), nil
}

func (a *attempt) handleAbort(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "no reason given")
	if !a.finish(result{err: fmt.Errorf("%w: %s", ErrAborted, reason)}) {
		return mcp.NewToolResultError("login outcome already reported"), nil
	}
	return mcp.NewToolResultText("login aborted"), nil
}
