package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/agentauth/internal/credential"
	"github.com/jkaninda/agentauth/internal/mailbox"
	"github.com/jkaninda/agentauth/internal/totp"
)

var (
	// ErrNotAvailable is returned when the data behind a capability does not exist.
	ErrNotAvailable = errors.New("capability not available")

	// ErrUnknownCapability is returned for names outside the closed set of kinds.
	ErrUnknownCapability = errors.New("unknown capability")
)

// CredentialSource finds the credential for a target. credential.Store satisfies it.
type CredentialSource interface {
	Match(website, username string) (credential.Credential, bool)
}

// EmailSource waits for verification emails. mailbox.Service satisfies it.
type EmailSource interface {
	GetCode(ctx context.Context, since time.Time) (string, error)
	GetLink(ctx context.Context, since time.Time) (string, error)
}

// Sources is the data capabilities draw from. Email is nil when no mailbox is configured.
type Sources struct {
	Credentials CredentialSource
	Email       EmailSource
	Now         func() time.Time
}

// Availability reports which capabilities can yield a value for t.
// Computed once per session; the task text is derived from it.
func Availability(t Target, src Sources) Set {
	var s Set
	if src.Credentials != nil {
		if c, ok := src.Credentials.Match(t.Website, t.Username); ok {
			if c.HasPassword() {
				s = s.With(Password)
			}
			if c.HasTOTP() {
				s = s.With(TOTP)
			}
		}
	}
	if src.Email != nil {
		s = s.With(EmailCode).With(EmailLink)
	}
	return s
}

// Handler resolves one capability for a target.
type Handler func(ctx context.Context, t Target) (string, error)

// Interceptor wraps every invocation. Interceptors run in registration order,
// the first one outermost.
type Interceptor func(ctx context.Context, t Target, k Kind, next Handler) (string, error)

// Capability is the driver-facing view of one lookup.
type Capability struct {
	Kind        Kind
	Name        string
	Description string
	Call        func(ctx context.Context) (string, error)
}

// Registry binds every kind to a handler for one target.
// Invocations are independent, never cached and safe for concurrent use.
type Registry struct {
	target       Target
	available    Set
	handlers     [numKinds]Handler
	interceptors []Interceptor

	mu       sync.Mutex
	failures []error
}

// NewRegistry builds the registry for t. Every kind must resolve to a handler.
func NewRegistry(t Target, src Sources, interceptors ...Interceptor) (*Registry, error) {
	if src.Credentials == nil {
		return nil, errors.New("capability registry needs a credential source")
	}
	if src.Now == nil {
		src.Now = time.Now
	}

	r := &Registry{
		target:       t,
		available:    Availability(t, src),
		interceptors: interceptors,
	}
	for _, k := range Kinds {
		h := handlerFor(k, src)
		if h == nil {
			return nil, fmt.Errorf("no handler for capability %s", k)
		}
		r.handlers[k] = h
	}
	return r, nil
}

func handlerFor(k Kind, src Sources) Handler {
	switch k {
	case Password:
		return func(_ context.Context, t Target) (string, error) {
			c, ok := src.Credentials.Match(t.Website, t.Username)
			if !ok || !c.HasPassword() {
				return "", fmt.Errorf("%w: no password for %s", ErrNotAvailable, credential.NormalizeHost(t.Website))
			}
			return c.Password, nil
		}
	case TOTP:
		return func(_ context.Context, t Target) (string, error) {
			c, ok := src.Credentials.Match(t.Website, t.Username)
			if !ok || !c.HasTOTP() {
				return "", fmt.Errorf("%w: no totp secret for %s", ErrNotAvailable, credential.NormalizeHost(t.Website))
			}
			return totp.Generate(c.TOTPSecret, src.Now())
		}
	case EmailCode:
		return func(ctx context.Context, t Target) (string, error) {
			if src.Email == nil {
				return "", fmt.Errorf("%w: no mailbox configured", ErrNotAvailable)
			}
			return src.Email.GetCode(ctx, t.StartTime)
		}
	case EmailLink:
		return func(ctx context.Context, t Target) (string, error) {
			if src.Email == nil {
				return "", fmt.Errorf("%w: no mailbox configured", ErrNotAvailable)
			}
			return src.Email.GetLink(ctx, t.StartTime)
		}
	}
	return nil
}

// Target returns the target this registry is bound to.
func (r *Registry) Target() Target { return r.target }

// Available returns the capabilities computed as available at construction.
func (r *Registry) Available() Set { return r.available }

// Invoke resolves capability k.
func (r *Registry) Invoke(ctx context.Context, k Kind) (string, error) {
	if k < 0 || k >= numKinds {
		return "", fmt.Errorf("%w: kind %d", ErrUnknownCapability, int(k))
	}
	h := r.chain(k, r.handlers[k])
	value, err := h(ctx, r.target)
	if err != nil && isTerminal(err) {
		r.mu.Lock()
		r.failures = append(r.failures, fmt.Errorf("%s: %w", k, err))
		r.mu.Unlock()
	}
	return value, err
}

// InvokeByName resolves the capability with the given name.
func (r *Registry) InvokeByName(ctx context.Context, name string) (string, error) {
	k, ok := ParseKind(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return r.Invoke(ctx, k)
}

// Get returns the capability with the given name.
func (r *Registry) Get(name string) (Capability, bool) {
	k, ok := ParseKind(name)
	if !ok {
		return Capability{}, false
	}
	return r.capability(k), true
}

// All returns every capability in registration order.
func (r *Registry) All() []Capability {
	out := make([]Capability, len(Kinds))
	for i, k := range Kinds {
		out[i] = r.capability(k)
	}
	return out
}

// Failures returns invocations that failed for reasons retrying will not fix,
// such as an exhausted email wait or an undecodable TOTP secret.
func (r *Registry) Failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
}

func (r *Registry) capability(k Kind) Capability {
	return Capability{
		Kind:        k,
		Name:        k.Name(),
		Description: k.Description(),
		Call:        func(ctx context.Context) (string, error) { return r.Invoke(ctx, k) },
	}
}

func (r *Registry) chain(k Kind, h Handler) Handler {
	for i := len(r.interceptors) - 1; i >= 0; i-- {
		ic, next := r.interceptors[i], h
		h = func(ctx context.Context, t Target) (string, error) {
			return ic(ctx, t, k, next)
		}
	}
	return h
}

func isTerminal(err error) bool {
	return errors.Is(err, mailbox.ErrVerificationTimeout) || errors.Is(err, totp.ErrInvalidSecret)
}
