package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/credential"
	"github.com/jkaninda/agentauth/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func handoff(t *testing.T) session.Handoff {
	t.Helper()
	store := credential.NewStore(nil)
	store.Add(credential.Credential{Website: "https://a.test", Username: "bob", Password: "p1"})
	reg, err := capability.NewRegistry(
		capability.Target{SessionID: "s1", Website: "https://a.test", Username: "bob", StartTime: time.Now().UTC()},
		capability.Sources{Credentials: store},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return session.Handoff{
		SessionID:    "s1",
		Instructions: `Navigate to "x_website" and log in with username "x_username".`,
		Secrets:      map[string]string{"x_website": "https://a.test", "x_username": "bob", "x_password": "p1"},
		Capabilities: reg,
	}
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is not text: %#v", res.Content[0])
	}
	return tc.Text
}

// --- Handlers ---

func TestAttempt_TaskAndPlaceholders(t *testing.T) {
	att := newAttempt(context.Background(), handoff(t), discardLogger())
	ctx := context.Background()

	res, _ := att.handleGetTask(ctx, call(nil))
	if !strings.Contains(text(t, res), "x_username") {
		t.Errorf("got %q", text(t, res))
	}

	res, _ = att.handleResolvePlaceholder(ctx, call(map[string]any{"placeholder": "x_password"}))
	if res.IsError || text(t, res) != "p1" {
		t.Errorf("got %+v", res)
	}

	res, _ = att.handleResolvePlaceholder(ctx, call(map[string]any{"placeholder": "x_ssn"}))
	if !res.IsError {
		t.Error("unknown placeholder should be a tool error")
	}
}

func TestAttempt_Capabilities(t *testing.T) {
	att := newAttempt(context.Background(), handoff(t), discardLogger())

	res, _ := att.handleCapability(capability.Password)(context.Background(), call(nil))
	if res.IsError || text(t, res) != "p1" {
		t.Errorf("password: %+v", res)
	}
	res, _ = att.handleCapability(capability.EmailLink)(context.Background(), call(nil))
	if !res.IsError || !strings.Contains(text(t, res), "not available") {
		t.Errorf("email link: %+v", res)
	}
}

func TestAttempt_CompleteOnce(t *testing.T) {
	att := newAttempt(context.Background(), handoff(t), discardLogger())
	ctx := context.Background()

	res, _ := att.handleComplete(ctx, call(map[string]any{"cookies": "not json"}))
	if !res.IsError {
		t.Error("invalid cookies should be rejected")
	}

	cookies := `[{"name":"sid","value":"abc","domain":"a.test","path":"/","expires":-1,"httpOnly":true,"secure":true,"sameSite":"Lax"}]`
	res, _ = att.handleComplete(ctx, call(map[string]any{"cookies": cookies, "summary": "signed in"}))
	if res.IsError {
		t.Fatalf("complete: %s", text(t, res))
	}
	res, _ = att.handleAbort(ctx, call(map[string]any{"reason": "late"}))
	if !res.IsError {
		t.Error("second outcome should be rejected")
	}

	got := <-att.done
	if got.err != nil || !got.outcome.Completed || got.outcome.Summary != "signed in" {
		t.Fatalf("got %+v", got)
	}
	want := session.Cookie{Name: "sid", Value: "abc", Domain: "a.test", Path: "/", Expires: -1, HTTPOnly: true, Secure: true, SameSite: "Lax"}
	if len(got.outcome.Cookies) != 1 || got.outcome.Cookies[0] != want {
		t.Errorf("got cookies %+v", got.outcome.Cookies)
	}
}

func TestAttempt_Abort(t *testing.T) {
	att := newAttempt(context.Background(), handoff(t), discardLogger())
	_, _ = att.handleAbort(context.Background(), call(map[string]any{"reason": "captcha"}))
	got := <-att.done
	if !errors.Is(got.err, ErrAborted) || !strings.Contains(got.err.Error(), "captcha") {
		t.Errorf("got %v", got.err)
	}
}

// --- Run over streamable HTTP ---

func waitAddr(t *testing.T, d *Driver) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if addr := d.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("driver never started listening")
	return ""
}

func TestDriver_RunWithClient(t *testing.T) {
	d := New(Config{ListenAddr: "127.0.0.1:0", Token: "agent-token"}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type runResult struct {
		out *session.Outcome
		err error
	}
	h := handoff(t)
	done := make(chan runResult, 1)
	go func() {
		out, err := d.Run(ctx, h)
		done <- runResult{out, err}
	}()

	url := "http://" + waitAddr(t, d) + "/mcp"
	c, err := mcpclient.NewStreamableHttpClient(url,
		transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer agent-token"}))
	if err != nil {
		t.Fatalf("NewStreamableHttpClient: %v", err)
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test-agent", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 8 {
		t.Errorf("got %d tools, want 8", len(tools.Tools))
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = "lookup_password"
	res, err := c.CallTool(ctx, req)
	if err != nil || res.IsError || text(t, res) != "p1" {
		t.Fatalf("lookup_password: %+v, %v", res, err)
	}

	req = mcp.CallToolRequest{}
	req.Params.Name = ToolCompleteLogin
	req.Params.Arguments = map[string]any{"cookies": `[{"name":"sid","value":"abc","domain":"a.test","path":"/"}]`}
	if res, err := c.CallTool(ctx, req); err != nil || res.IsError {
		t.Fatalf("complete_login: %+v, %v", res, err)
	}

	r := <-done
	if r.err != nil || !r.out.Completed || len(r.out.Cookies) != 1 {
		t.Fatalf("Run: %+v, %v", r.out, r.err)
	}
	if d.Addr() != "" {
		t.Error("endpoint should be torn down after the attempt")
	}
}

func TestDriver_RunCancelled(t *testing.T) {
	d := New(Config{ListenAddr: "127.0.0.1:0"}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := d.Run(ctx, handoff(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// blockingEmail holds every lookup until its context ends.
type blockingEmail struct {
	entered  chan struct{}
	released chan error
}

func (b *blockingEmail) wait(ctx context.Context) (string, error) {
	b.entered <- struct{}{}
	<-ctx.Done()
	b.released <- ctx.Err()
	return "", ctx.Err()
}

func (b *blockingEmail) GetCode(ctx context.Context, _ time.Time) (string, error) { return b.wait(ctx) }
func (b *blockingEmail) GetLink(ctx context.Context, _ time.Time) (string, error) { return b.wait(ctx) }

func TestDriver_CancelStopsInFlightCapability(t *testing.T) {
	email := &blockingEmail{entered: make(chan struct{}, 1), released: make(chan error, 1)}
	reg, err := capability.NewRegistry(
		capability.Target{SessionID: "s1", Website: "https://a.test", Username: "bob", StartTime: time.Now().UTC()},
		capability.Sources{Credentials: credential.NewStore(nil), Email: email},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := session.Handoff{SessionID: "s1", Instructions: "log in", Capabilities: reg}

	d := New(Config{ListenAddr: "127.0.0.1:0"}, discardLogger())
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() {
		_, err := d.Run(runCtx, h)
		runErr <- err
	}()

	clientCtx, cancelClient := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelClient()
	c, err := mcpclient.NewStreamableHttpClient("http://" + waitAddr(t, d) + "/mcp")
	if err != nil {
		t.Fatalf("NewStreamableHttpClient: %v", err)
	}
	defer c.Close()
	if err := c.Start(clientCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test-agent", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(clientCtx, initReq); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	go func() {
		req := mcp.CallToolRequest{}
		req.Params.Name = "lookup_email_code"
		_, _ = c.CallTool(clientCtx, req)
	}()

	select {
	case <-email.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("email lookup never started")
	}

	cancelled := time.Now()
	cancelRun()

	select {
	case err := <-email.released:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("email lookup ended with %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("email lookup still running after the attempt was cancelled")
	}
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run: expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
	if waited := time.Since(cancelled); waited > 2*time.Second {
		t.Errorf("cancellation took %v", waited)
	}
}
