// Package task assembles the redacted login instructions handed to an
// automation driver. Instructions carry placeholders only; the values they
// stand for travel separately in the secret map.
package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/agentauth/internal/capability"
)

// Placeholders the driver substitutes with values from the secret map.
const (
	PlaceholderWebsite  = "x_website"
	PlaceholderUsername = "x_username"
	PlaceholderPassword = "x_password"
)

// ErrSecretInInstructions is returned when a configured denylist entry equals
// one of the login's secret values, so interpolating it would leak the value.
var ErrSecretInInstructions = errors.New("secret value present in instructions")

// DefaultDeniedProviders are the federated sign-in options a driver must never use.
var DefaultDeniedProviders = []string{
	"Google", "Apple", "Facebook", "Twitter", "Microsoft", "Amazon", "LinkedIn", "GitHub", "SSO",
}

// Task is the driver handoff payload.
type Task struct {
	Instructions string
	Secrets      map[string]string
}

// Input describes the login to build a task for.
type Input struct {
	Website   string
	Username  string
	Password  string // Empty when no password is stored.
	Available capability.Set
}

// Builder produces tasks. The zero value uses DefaultDeniedProviders.
type Builder struct {
	denied []string
}

// NewBuilder creates a builder. An empty denylist falls back to DefaultDeniedProviders.
func NewBuilder(denied ...string) *Builder {
	return &Builder{denied: denied}
}

func (b *Builder) deniedProviders() []string {
	if b == nil || len(b.denied) == 0 {
		return DefaultDeniedProviders
	}
	return b.denied
}

// Build returns the instructions and secret map for in. Guidance lines are
// emitted only for available capabilities; the sign-in denylist and the
// password reset prohibition are always present.
func (b *Builder) Build(in Input) (*Task, error) {
	secrets := map[string]string{
		PlaceholderWebsite:  in.Website,
		PlaceholderUsername: in.Username,
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Navigate to %q and log in with username %q. Use the following guidance:\n",
		PlaceholderWebsite, PlaceholderUsername)

	if in.Available.Has(capability.Password) && in.Password != "" {
		secrets[PlaceholderPassword] = in.Password
		fmt.Fprintf(&sb, "- If a password is needed, use the password %q.\n", PlaceholderPassword)
	}
	if in.Available.Has(capability.TOTP) {
		fmt.Fprintf(&sb, "- If a TOTP code is needed, call %s to look up the TOTP code.\n", capability.TOTP.Name())
	}
	if in.Available.Has(capability.EmailCode) {
		fmt.Fprintf(&sb, "- If an email code is needed, call %s to look up the email code.\n", capability.EmailCode.Name())
	}
	if in.Available.Has(capability.EmailLink) {
		fmt.Fprintf(&sb, "- If an email link is needed, call %s to look up the email link and navigate to the link.\n",
			capability.EmailLink.Name())
	}
	// A configured denylist is the only caller-supplied text interpolated
	// into the template. Fixed wording, default providers included, is never
	// checked: a username such as "user" occurring in it is not a leak.
	custom := b != nil && len(b.denied) > 0
	for _, provider := range b.deniedProviders() {
		if name, ok := secretNamed(secrets, provider); custom && ok {
			return nil, fmt.Errorf("%w: denylist entry equals the value of %s", ErrSecretInInstructions, name)
		}
		fmt.Fprintf(&sb, "- Do not attempt to Sign in with %s.\n", provider)
	}
	sb.WriteString("- Do not attempt to reset a password.")

	return &Task{Instructions: sb.String(), Secrets: secrets}, nil
}

func secretNamed(secrets map[string]string, text string) (string, bool) {
	text = strings.TrimSpace(text)
	for name, value := range secrets {
		if value != "" && strings.TrimSpace(value) == text {
			return name, true
		}
	}
	return "", false
}
