// Package secrets resolves opaque secret references such as "env://IMAP_PASSWORD"
// or "vault://secret/data/sites/github#password" into raw values.
// Resolved values are handed to the credential store and the mailbox adapter;
// they are never logged and never placed in driver instructions.
package secrets

import (
	"context"
	"errors"
	"strings"
)

// Secret holds resolved secret material.
// This type MUST NOT be serialized or logged.
type Secret struct {
	Value    string            // The raw secret value.
	Metadata map[string]string // Backend-specific metadata (source, path, field).
}

// Provider resolves opaque references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve returns the raw secret for ref.
	// Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name returns the provider identifier for logging.
	Name() string
}

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// IsReference reports whether s looks like a secret reference rather than a literal value.
func IsReference(s string) bool {
	return strings.HasPrefix(s, "env://") || strings.HasPrefix(s, "vault://")
}

// ResolveValue returns s unchanged when it is a literal and the resolved value
// when it is a reference. A nil provider leaves references unresolved and fails.
func ResolveValue(ctx context.Context, p Provider, s string) (string, error) {
	if !IsReference(s) {
		return s, nil
	}
	if p == nil {
		return "", errors.New("secret reference " + s + " needs a provider")
	}
	secret, err := p.Resolve(ctx, s)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}
