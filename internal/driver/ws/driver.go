// Package ws drives a login through a remote worker over WebSocket.
// The worker receives the redacted task and calls back for capabilities
// while it operates the browser.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/protocol"
	"github.com/jkaninda/agentauth/internal/session"
)

// ErrWorkerFailed is returned when the worker reports a failed login.
var ErrWorkerFailed = errors.New("worker reported failure")

// Config configures the WebSocket driver.
type Config struct {
	URL              string        // Worker endpoint, ws:// or wss://.
	Token            string        // Sent as a bearer token during the handshake.
	HandshakeTimeout time.Duration // Default 10s.
	ReadLimit        int64         // Max inbound message size. Default 1 MB.
}

// Driver implements session.Driver against a remote worker.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a WebSocket driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket driver url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{cfg: cfg, logger: logger}, nil
}

// Run performs one login on the worker.
func (d *Driver) Run(ctx context.Context, h session.Handoff) (*session.Outcome, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(d.cfg.ReadLimit)

	logger := d.logger.With(slog.String("session_id", h.SessionID))

	caps := h.Capabilities.All()
	infos := make([]protocol.CapabilityInfo, len(caps))
	for i, c := range caps {
		infos[i] = protocol.CapabilityInfo{Name: c.Name, Description: c.Description}
	}
	if err := writeEnvelope(ctx, conn, protocol.MsgAuthTask, h.SessionID, protocol.AuthTaskPayload{
		Instructions: h.Instructions,
		Secrets:      h.Secrets,
		Capabilities: infos,
	}); err != nil {
		return nil, fmt.Errorf("sending task: %w", err)
	}

	// The reader uses its own context so cancellation can still be announced
	// on the open connection before it is closed.
	inbound := make(chan *protocol.Envelope)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				readErr <- err
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				logger.Warn("invalid message from worker", slog.String("error", err.Error()))
				continue
			}
			select {
			case inbound <- &env:
			case <-done:
				return
			}
		}
	}()

	capCtx, cancelCaps := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelCaps()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			d.cancel(conn, h.SessionID, ctx.Err())
			return nil, ctx.Err()

		case err := <-readErr:
			return nil, fmt.Errorf("worker connection closed: %w", err)

		case env := <-inbound:
			switch env.Type {
			case protocol.MsgAuthAccepted:
				logger.Debug("worker accepted task")

			case protocol.MsgAuthProgress:
				var p protocol.AuthProgressPayload
				if err := env.Decode(&p); err == nil {
					logger.Debug("worker progress", slog.String("message", p.Message))
				}

			case protocol.MsgCapabilityRequest:
				var req protocol.CapabilityRequestPayload
				if err := env.Decode(&req); err != nil {
					logger.Warn("invalid capability request", slog.String("error", err.Error()))
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.serveCapability(capCtx, conn, h, req)
				}()

			case protocol.MsgAuthDone:
				var p protocol.AuthDonePayload
				if err := env.Decode(&p); err != nil {
					return nil, fmt.Errorf("decoding result: %w", err)
				}
				conn.Close(websocket.StatusNormalClosure, "login complete")
				return &session.Outcome{Completed: true, Cookies: toCookies(p.Cookies), Summary: p.Summary}, nil

			case protocol.MsgAuthFailed:
				var p protocol.AuthFailedPayload
				_ = env.Decode(&p)
				conn.Close(websocket.StatusNormalClosure, "login failed")
				return nil, fmt.Errorf("%w: %s", ErrWorkerFailed, p.Error)

			case protocol.MsgError:
				var p protocol.ErrorPayload
				_ = env.Decode(&p)
				logger.Warn("worker protocol error", slog.String("message", p.Message))

			default:
				logger.Debug("ignoring worker message", slog.String("type", string(env.Type)))
			}
		}
	}
}

func (d *Driver) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, d.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing worker: %w", err)
	}
	return conn, nil
}

func (d *Driver) serveCapability(ctx context.Context, conn *websocket.Conn, h session.Handoff, req protocol.CapabilityRequestPayload) {
	res := protocol.CapabilityResultPayload{RequestID: req.RequestID}
	value, err := h.Capabilities.InvokeByName(ctx, req.Name)
	switch {
	case err == nil:
		res.Value = value
	case errors.Is(err, capability.ErrNotAvailable):
		res.NotAvailable = true
		res.Error = err.Error()
	default:
		res.Error = err.Error()
	}

	if err := writeEnvelope(ctx, conn, protocol.MsgCapabilityResult, h.SessionID, res); err != nil && ctx.Err() == nil {
		d.logger.Warn("sending capability result failed",
			slog.String("session_id", h.SessionID),
			slog.String("capability", req.Name),
			slog.String("error", err.Error()),
		)
	}
}

// cancel tells the worker to stop, best effort, and closes the connection.
func (d *Driver) cancel(conn *websocket.Conn, sessionID string, cause error) {
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	_ = writeEnvelope(ctx, conn, protocol.MsgAuthCancel, sessionID, protocol.AuthCancelPayload{Reason: reason})
	conn.Close(websocket.StatusGoingAway, "login cancelled")
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, t protocol.MessageType, sessionID string, payload any) error {
	env, err := protocol.NewEnvelope(t, sessionID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func toCookies(in []protocol.Cookie) []session.Cookie {
	out := make([]session.Cookie, len(in))
	for i, c := range in {
		out[i] = session.Cookie(c)
	}
	return out
}
