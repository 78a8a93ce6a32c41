package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/credential"
	"github.com/jkaninda/agentauth/internal/protocol"
	"github.com/jkaninda/agentauth/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newWorker starts a fake worker that runs script on each connection.
func newWorker(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer worker-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{protocol.Subprotocol}})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		script(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("worker read: %v", err)
		return nil
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Errorf("worker decode: %v", err)
		return nil
	}
	return &env
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, typ protocol.MessageType, payload any) {
	t.Helper()
	env, _ := protocol.NewEnvelope(typ, "", payload)
	data, _ := json.Marshal(env)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("worker write: %v", err)
	}
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
		Instructions: `Navigate to "x_website"`,
		Secrets:      map[string]string{"x_website": "https://a.test"},
		Capabilities: reg,
	}
}

func TestDriver_RunServesCapabilities(t *testing.T) {
	srv := newWorker(t, func(ctx context.Context, conn *websocket.Conn) {
		env := readEnvelope(t, ctx, conn)
		if env == nil || env.Type != protocol.MsgAuthTask || env.SessionID != "s1" {
			t.Errorf("expected auth.task, got %+v", env)
			return
		}
		var task protocol.AuthTaskPayload
		_ = env.Decode(&task)
		if len(task.Capabilities) != 4 || task.Secrets["x_website"] != "https://a.test" {
			t.Errorf("unexpected task %+v", task)
		}

		send(t, ctx, conn, protocol.MsgAuthAccepted, nil)
		send(t, ctx, conn, protocol.MsgCapabilityRequest, protocol.CapabilityRequestPayload{RequestID: "r1", Name: "lookup_password"})
		send(t, ctx, conn, protocol.MsgCapabilityRequest, protocol.CapabilityRequestPayload{RequestID: "r2", Name: "lookup_email_code"})

		results := map[string]protocol.CapabilityResultPayload{}
		for range 2 {
			env := readEnvelope(t, ctx, conn)
			if env == nil {
				return
			}
			var res protocol.CapabilityResultPayload
			_ = env.Decode(&res)
			results[res.RequestID] = res
		}
		if results["r1"].Value != "p1" {
			t.Errorf("r1 = %+v", results["r1"])
		}
		if !results["r2"].NotAvailable || results["r2"].Value != "" {
			t.Errorf("r2 = %+v", results["r2"])
		}

		send(t, ctx, conn, protocol.MsgAuthDone, protocol.AuthDonePayload{Cookies: []protocol.Cookie{
			{Name: "sid", Value: "abc", Domain: "a.test", Path: "/", Expires: -1, HTTPOnly: true, Secure: true, SameSite: "Lax"},
		}})
		_, _, _ = conn.Read(ctx)
	})

	d, err := New(Config{URL: wsURL(srv), Token: "worker-token"}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := d.Run(ctx, handoff(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Completed || len(out.Cookies) != 1 {
		t.Fatalf("got %+v", out)
	}
	want := session.Cookie{Name: "sid", Value: "abc", Domain: "a.test", Path: "/", Expires: -1, HTTPOnly: true, Secure: true, SameSite: "Lax"}
	if out.Cookies[0] != want {
		t.Errorf("got %+v, want %+v", out.Cookies[0], want)
	}
}

func TestDriver_WorkerFailure(t *testing.T) {
	srv := newWorker(t, func(ctx context.Context, conn *websocket.Conn) {
		readEnvelope(t, ctx, conn)
		send(t, ctx, conn, protocol.MsgAuthFailed, protocol.AuthFailedPayload{Error: "captcha"})
		_, _, _ = conn.Read(ctx)
	})

	d, _ := New(Config{URL: wsURL(srv), Token: "worker-token"}, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.Run(ctx, handoff(t))
	if !errors.Is(err, ErrWorkerFailed) || !strings.Contains(err.Error(), "captcha") {
		t.Errorf("got %v", err)
	}
}

func TestDriver_CancelNotifiesWorker(t *testing.T) {
	gotCancel := make(chan string, 1)
	srv := newWorker(t, func(ctx context.Context, conn *websocket.Conn) {
		readEnvelope(t, ctx, conn)
		_, data, err := conn.Read(ctx)
		if err != nil {
			gotCancel <- ""
			return
		}
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		gotCancel <- string(env.Type)
		_, _, _ = conn.Read(ctx)
	})

	d, _ := New(Config{URL: wsURL(srv), Token: "worker-token"}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := d.Run(ctx, handoff(t))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	select {
	case typ := <-gotCancel:
		if typ != string(protocol.MsgAuthCancel) {
			t.Errorf("worker got %q, want %q", typ, protocol.MsgAuthCancel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker never saw the cancellation")
	}
}

func TestDriver_DialUnauthorized(t *testing.T) {
	srv := newWorker(t, func(context.Context, *websocket.Conn) {})
	d, _ := New(Config{URL: wsURL(srv), Token: "wrong"}, discardLogger())
	if _, err := d.Run(context.Background(), handoff(t)); err == nil {
		t.Error("expected dial error")
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error without url")
	}
}
