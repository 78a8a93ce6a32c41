// Package mailbox waits for verification emails and extracts the one-time
// code or sign-in link they carry.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrVerificationTimeout is returned when no usable message arrived within the wait window.
var ErrVerificationTimeout = errors.New("verification email not received in time")

// Default polling parameters.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWait      = 2 * time.Minute
)

// Message is a read-only view of one received email.
type Message struct {
	SeqNum    uint32
	ArrivedAt time.Time
	Body      string
}

// Mailbox lists messages. Implementations may return messages older than
// since; the Service filters them out.
type Mailbox interface {
	Messages(ctx context.Context, since time.Time) ([]Message, error)
}

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

// PollHook observes each completed poll. Used for metrics.
type PollHook func(kind string, found bool, err error)

// Service polls a Mailbox for verification messages. Safe for concurrent use;
// every call polls independently.
type Service struct {
	box    Mailbox
	cfg    Config
	logger *slog.Logger
	hook   PollHook
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPollHook registers a hook called after every poll.
func WithPollHook(h PollHook) Option { return func(s *Service) { s.hook = h } }

// WithClock overrides the time source and the wait primitive.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.after = after
	}
}

// NewService creates a verification service over box.
func NewService(box Mailbox, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		box:    box,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective polling configuration.
func (s *Service) Config() Config { return s.cfg }

// GetCode waits for a message that arrived strictly after since and returns
// the verification code in the most recent one.
func (s *Service) GetCode(ctx context.Context, since time.Time) (string, error) {
	return s.await(ctx, "code", since, ExtractCode)
}

// GetLink waits for a message that arrived strictly after since and returns
// the absolute URL in the most recent one.
func (s *Service) GetLink(ctx context.Context, since time.Time) (string, error) {
	return s.await(ctx, "link", since, ExtractLink)
}

func (s *Service) await(ctx context.Context, kind string, since time.Time, extract func(string) (string, bool)) (string, error) {
	start := s.now()
	deadline := start.Add(s.cfg.MaxWait)
	var lastErr error
	polls := 0

	timedOut := func() (string, error) {
		s.logger.InfoContext(ctx, "verification email timed out",
			slog.String("kind", kind),
			slog.Int("polls", polls),
			slog.Duration("max_wait", s.cfg.MaxWait),
		)
		if lastErr != nil {
			return "", fmt.Errorf("%w after %s: %w", ErrVerificationTimeout, s.cfg.MaxWait, lastErr)
		}
		return "", fmt.Errorf("%w after %s", ErrVerificationTimeout, s.cfg.MaxWait)
	}

	for {
		polls++
		// A single poll never outlives the overall deadline.
		pollCtx, cancel := context.WithTimeout(ctx, max(deadline.Sub(s.now()), time.Millisecond))
		value, found, err := s.poll(pollCtx, since, extract)
		expired := pollCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if s.hook != nil {
			s.hook(kind, found, err)
		}
		if found {
			s.logger.DebugContext(ctx, "verification email found",
				slog.String("kind", kind),
				slog.Int("polls", polls),
				slog.Duration("waited", s.now().Sub(start)),
			)
			return value, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if expired {
				return timedOut()
			}
			lastErr = err
			s.logger.WarnContext(ctx, "mailbox poll failed",
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 || expired {
			return timedOut()
		}

		wait := min(s.cfg.PollInterval, remaining)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.after(wait):
		}
	}
}

func (s *Service) poll(ctx context.Context, since time.Time, extract func(string) (string, bool)) (string, bool, error) {
	msgs, err := s.box.Messages(ctx, since)
	if err != nil {
		return "", false, err
	}
	latest, ok := Latest(msgs, since)
	if !ok {
		return "", false, nil
	}
	value, ok := extract(latest.Body)
	return value, ok, nil
}

// Latest returns the most recent message that arrived strictly after since.
// Ties on arrival time go to the higher sequence number.
func Latest(msgs []Message, since time.Time) (Message, bool) {
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ArrivedAt.After(since) {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return Message{}, false
	}
	sort.Slice(fresh, func(i, j int) bool {
		if !fresh[i].ArrivedAt.Equal(fresh[j].ArrivedAt) {
			return fresh[i].ArrivedAt.After(fresh[j].ArrivedAt)
		}
		return fresh[i].SeqNum > fresh[j].SeqNum
	})
	return fresh[0], true
}
