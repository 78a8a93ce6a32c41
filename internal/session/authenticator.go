package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/credential"
	"github.com/jkaninda/agentauth/internal/task"
)

// Options configures an Authenticator.
type Options struct {
	Credentials  capability.CredentialSource // Required.
	Email        capability.EmailSource      // Nil when no mailbox is configured.
	Driver       Driver                      // Required.
	Builder      *task.Builder
	Interceptors []capability.Interceptor
	Recorders    []Recorder
	Timeout      time.Duration // Upper bound for the driver phase; 0 disables it.
	Logger       *slog.Logger

	// OnTransition observes state changes. Optional.
	OnTransition func(sessionID string, from, to State)

	Now   func() time.Time
	NewID func() string
}

// Authenticator runs authentication attempts. One Authenticator serves many
// concurrent attempts; each attempt owns its target and registry.
type Authenticator struct {
	opts   Options
	logger *slog.Logger
}

// NewAuthenticator validates opts and applies defaults.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	if opts.Credentials == nil {
		return nil, errors.New("authenticator needs a credential source")
	}
	if opts.Driver == nil {
		return nil, errors.New("authenticator needs a driver")
	}
	if opts.Builder == nil {
		opts.Builder = task.NewBuilder()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Authenticator{opts: opts, logger: opts.Logger}, nil
}

// attempt carries the mutable lifecycle of one run. It is owned by the
// goroutine executing Authenticate and never shared with capabilities.
type attempt struct {
	a      *Authenticator
	target capability.Target
	state  State
}

func (r *attempt) transition(ctx context.Context, to State) {
	if !CanTransition(r.state, to) {
		// Programming error; keep the attempt consistent by refusing the move.
		r.a.logger.ErrorContext(ctx, "illegal session transition",
			slog.String("session_id", r.target.SessionID),
			slog.String("from", r.state.String()),
			slog.String("to", to.String()),
		)
		return
	}
	from := r.state
	r.state = to
	r.a.logger.DebugContext(ctx, "session state changed",
		slog.String("session_id", r.target.SessionID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if r.a.opts.OnTransition != nil {
		r.a.opts.OnTransition(r.target.SessionID, from, to)
	}
}

// Authenticate runs one attempt for website and username and returns the
// cookies of the authenticated browser session. There is no automatic retry.
func (a *Authenticator) Authenticate(ctx context.Context, website, username string) (*Result, error) {
	if credential.NormalizeHost(website) == "" {
		return nil, fmt.Errorf("%w: website %q has no host", ErrInvalidRequest, website)
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}

	run := &attempt{
		a: a,
		target: capability.Target{
			SessionID: a.opts.NewID(),
			Website:   website,
			Username:  username,
			StartTime: a.opts.Now().UTC(),
		},
		state: StateInit,
	}
	logger := a.logger.With(
		slog.String("session_id", run.target.SessionID),
		slog.String("host", credential.NormalizeHost(website)),
		slog.String("username", username),
	)
	logger.InfoContext(ctx, "authentication started")

	src := capability.Sources{Credentials: a.opts.Credentials, Email: a.opts.Email, Now: a.opts.Now}
	available := capability.Availability(run.target, src)

	var password string
	if available.Has(capability.Password) {
		if c, ok := a.opts.Credentials.Match(website, username); ok {
			password = c.Password
		}
	}

	tk, err := a.opts.Builder.Build(task.Input{
		Website:   website,
		Username:  username,
		Password:  password,
		Available: available,
	})
	if err != nil {
		return nil, a.fail(ctx, run, available, nil, fmt.Errorf("building task: %w", err))
	}
	registry, err := capability.NewRegistry(run.target, src, a.opts.Interceptors...)
	if err != nil {
		return nil, a.fail(ctx, run, available, nil, fmt.Errorf("building capability registry: %w", err))
	}
	run.transition(ctx, StateTaskBuilt)

	runCtx := ctx
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	run.transition(ctx, StateDriverRunning)
	logger.InfoContext(ctx, "driver started", slog.String("capabilities", available.String()))

	outcome, err := a.opts.Driver.Run(runCtx, Handoff{
		SessionID:    run.target.SessionID,
		Instructions: tk.Instructions,
		Secrets:      tk.Secrets,
		Capabilities: registry,
	})
	switch {
	case err != nil:
		return nil, a.fail(ctx, run, available, registry, err)
	case outcome == nil || !outcome.Completed:
		cause := ErrNotCompleted
		if outcome != nil && outcome.Summary != "" {
			cause = fmt.Errorf("%w: %s", ErrNotCompleted, outcome.Summary)
		}
		return nil, a.fail(ctx, run, available, registry, cause)
	}

	run.transition(ctx, StateDone)
	cookies := outcome.Cookies
	if cookies == nil {
		cookies = []Cookie{}
	}
	a.record(ctx, run, available, StatusDone, "", len(cookies))
	logger.InfoContext(ctx, "authentication succeeded", slog.Int("cookies", len(cookies)))

	return &Result{SessionID: run.target.SessionID, Cookies: cookies}, nil
}

func (a *Authenticator) fail(ctx context.Context, run *attempt, available capability.Set, reg *capability.Registry, cause error) error {
	errs := []error{cause}
	if reg != nil {
		errs = append(errs, reg.Failures()...)
	}
	err := fmt.Errorf("%w: %w", ErrAuthenticationFailed, errors.Join(errs...))

	run.transition(ctx, StateFailed)
	a.record(ctx, run, available, StatusFailed, err.Error(), 0)
	a.logger.WarnContext(ctx, "authentication failed",
		slog.String("session_id", run.target.SessionID),
		slog.String("error", err.Error()),
	)
	return err
}

func (a *Authenticator) record(ctx context.Context, run *attempt, available capability.Set, status, errMsg string, cookies int) {
	if len(a.opts.Recorders) == 0 {
		return
	}
	rec := Attempt{
		SessionID:   run.target.SessionID,
		Website:     run.target.Website,
		Host:        credential.NormalizeHost(run.target.Website),
		Username:    run.target.Username,
		Status:      status,
		Error:       truncate(errMsg, 1024),
		StartedAt:   run.target.StartTime,
		FinishedAt:  a.opts.Now().UTC(),
		CookieCount: cookies,
		Available:   available.String(),
	}
	// History outlives a cancelled request.
	recCtx := context.WithoutCancel(ctx)
	for _, r := range a.opts.Recorders {
		if r == nil {
			continue
		}
		if err := r.RecordAttempt(recCtx, rec); err != nil {
			a.logger.WarnContext(ctx, "recording attempt failed",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimSpace(s[:n]) + "..."
}
