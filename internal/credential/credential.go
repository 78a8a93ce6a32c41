// Package credential holds the website credentials an agent may use and
// matches them against a login target by host and exact username.
package credential

import (
	"net/url"
	"strings"
)

// Credential is one website login. Website and Username form the matching key;
// Password and TOTPSecret are independently optional.
type Credential struct {
	Website    string `json:"website" yaml:"website"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	TOTPSecret string `json:"totp_secret,omitempty" yaml:"totp_secret,omitempty"`
}

// Host returns the normalized host of the credential's website.
func (c Credential) Host() string { return NormalizeHost(c.Website) }

// HasPassword reports whether a password is stored.
func (c Credential) HasPassword() bool { return c.Password != "" }

// HasTOTP reports whether a TOTP secret is stored. It does not validate the secret.
func (c Credential) HasTOTP() bool { return strings.TrimSpace(c.TOTPSecret) != "" }

// Matches reports whether c applies to the given website and username.
func (c Credential) Matches(website, username string) bool {
	return c.matchesHost(NormalizeHost(website), username)
}

func (c Credential) matchesHost(host, username string) bool {
	return host != "" && c.Username == username && c.Host() == host
}

// NormalizeHost reduces a website to its host component: scheme, userinfo,
// path, query and fragment are dropped, the host is lower-cased and an
// explicit port is kept. Inputs without a scheme are treated as host-first.
// Returns "" when no host can be found.
func NormalizeHost(website string) string {
	s := strings.TrimSpace(website)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
