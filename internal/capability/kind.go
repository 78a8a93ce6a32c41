// Package capability exposes the secret lookups an automation driver may
// request during a login: password, TOTP code, email code and email link.
// Lookups are bound to one login target and resolved lazily on each call.
package capability

import (
	"strings"
	"time"
)

// Kind identifies one lookup. The set of kinds is closed.
type Kind int

const (
	Password Kind = iota
	TOTP
	EmailCode
	EmailLink

	numKinds
)

// Kinds lists every kind in registration order.
var Kinds = []Kind{Password, TOTP, EmailCode, EmailLink}

var kindInfo = [numKinds]struct {
	name        string
	description string
}{
	Password:  {"lookup_password", "Look up the password"},
	TOTP:      {"lookup_totp_code", "Look up the TOTP code"},
	EmailCode: {"lookup_email_code", "Look up an email code"},
	EmailLink: {"lookup_email_link", "Look up an email link"},
}

// Name returns the stable identifier drivers use to request k.
func (k Kind) Name() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindInfo[k].name
}

// Description returns the driver-facing description of k.
func (k Kind) Description() string {
	if k < 0 || k >= numKinds {
		return ""
	}
	return kindInfo[k].description
}

func (k Kind) String() string { return k.Name() }

// ParseKind maps a capability name back to its kind.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds {
		if k.Name() == name {
			return k, true
		}
	}
	return 0, false
}

// Set is a bitset of kinds.
type Set uint8

// Has reports whether k is in s.
func (s Set) Has(k Kind) bool { return s&(1<<uint(k)) != 0 }

// With returns s plus k.
func (s Set) With(k Kind) Set { return s | 1<<uint(k) }

// Kinds returns the members of s in registration order.
func (s Set) Kinds() []Kind {
	var out []Kind
	for _, k := range Kinds {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s Set) String() string {
	names := make([]string, 0, len(Kinds))
	for _, k := range s.Kinds() {
		names = append(names, k.Name())
	}
	return strings.Join(names, ",")
}

// Target is the immutable, request-scoped context of one login attempt.
// Handlers receive it by value; it is never shared between sessions.
type Target struct {
	SessionID string
	Website   string
	Username  string
	StartTime time.Time // UTC; email lookups only accept messages after it.
}
