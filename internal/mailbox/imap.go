package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// DefaultIMAPPort is the implicit-TLS IMAP port.
const DefaultIMAPPort = 993

// maxMessages bounds how many recent messages a single poll fetches.
const maxMessages = 20

// IMAPConfig identifies a mailbox on an IMAP server.
type IMAPConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	Folder   string // Defaults to INBOX.

	TLSConfig   *tls.Config
	DialTimeout time.Duration
	DialRetries uint64 // Extra dial attempts after the first. Defaults to 2.
}

// IMAPMailbox reads messages over IMAP. Each poll opens a fresh read-only
// session so an idle connection never goes stale between polls.
type IMAPMailbox struct {
	cfg    IMAPConfig
	logger *slog.Logger
	dial   func(addr string, cfg *tls.Config, timeout time.Duration) (*client.Client, error)
}

// NewIMAPMailbox creates an IMAP-backed Mailbox.
func NewIMAPMailbox(cfg IMAPConfig, logger *slog.Logger) (*IMAPMailbox, error) {
	if cfg.Server == "" {
		return nil, errors.New("imap server is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("imap username and password are required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultIMAPPort
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.DialRetries == 0 {
		cfg.DialRetries = 2
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IMAPMailbox{cfg: cfg, logger: logger, dial: dialTLS}, nil
}

func dialTLS(addr string, cfg *tls.Config, timeout time.Duration) (*client.Client, error) {
	return client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, addr, cfg)
}

// Addr returns host:port of the configured server.
func (m *IMAPMailbox) Addr() string {
	return net.JoinHostPort(m.cfg.Server, strconv.Itoa(m.cfg.Port))
}

// Messages returns recent messages received on or after the day of since.
func (m *IMAPMailbox) Messages(ctx context.Context, since time.Time) ([]Message, error) {
	c, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	// The client API is not context aware; tear the connection down on cancel.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-done:
		}
	}()
	defer func() { _ = c.Logout() }()

	if _, err := c.Select(m.cfg.Folder, true); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", m.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = searchSince(since)
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", m.cfg.Folder, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxMessages {
		ids = ids[len(ids)-maxMessages:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchInternalDate, section.FetchItem()}

	fetched := make(chan *imap.Message, len(ids))
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- c.Fetch(seqset, items, fetched) }()

	var out []Message
	for msg := range fetched {
		body, err := readBody(msg.GetBody(section))
		if err != nil {
			m.logger.DebugContext(ctx, "skipping unreadable message",
				slog.Uint64("seq", uint64(msg.SeqNum)),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, Message{SeqNum: msg.SeqNum, ArrivedAt: msg.InternalDate, Body: body})
	}
	if err := <-fetchErr; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return out, nil
}

// searchSince widens the SEARCH SINCE date by a day. SINCE compares calendar
// dates in the server's zone, so a server west of UTC would otherwise miss
// mail that arrived just after midnight UTC. Service applies the exact cutoff.
//
// InternalDate has one-second resolution: a message arriving later in the
// same second as since is truncated to at or before it and is not returned
// by Latest.
func searchSince(since time.Time) time.Time {
	return since.AddDate(0, 0, -1)
}

// Ping logs in and out once. Used by readiness checks.
func (m *IMAPMailbox) Ping(ctx context.Context) error {
	c, err := m.connect(ctx)
	if err != nil {
		return err
	}
	return c.Logout()
}

func (m *IMAPMailbox) connect(ctx context.Context) (*client.Client, error) {
	addr := m.Addr()
	tlsCfg := m.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: m.cfg.Server}
	}

	var c *client.Client
	op := func() error {
		conn, err := m.dial(addr, tlsCfg, m.cfg.DialTimeout)
		if err != nil {
			m.logger.DebugContext(ctx, "imap dial failed",
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
			return err
		}
		if err := conn.Login(m.cfg.Username, m.cfg.Password); err != nil {
			_ = conn.Logout()
			// Bad credentials will not fix themselves.
			return backoff.Permanent(fmt.Errorf("imap login: %w", err))
		}
		c = conn
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, m.cfg.DialRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return c, nil
}

// readBody returns the text parts of a raw RFC 5322 message, joined by newlines.
func readBody(r imap.Literal) (string, error) {
	if r == nil {
		return "", errors.New("empty message body")
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", err
	}
	defer mr.Close()

	var parts []string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if len(parts) > 0 {
				break
			}
			return "", err
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && !strings.HasPrefix(ct, "text/") {
			continue
		}
		b, err := io.ReadAll(io.LimitReader(p.Body, 1<<20))
		if err != nil {
			return "", err
		}
		parts = append(parts, string(b))
	}
	return strings.Join(parts, "\n"), nil
}
