package credential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jkaninda/agentauth/internal/secrets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// --- NormalizeHost / Match ---

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://x.com/login", "x.com"},
		{"http://x.com", "x.com"},
		{"https://X.Com/a?b=c#d", "x.com"},
		{"https://user:pw@x.com/", "x.com"},
		{"https://x.com:8443/login", "x.com:8443"},
		{"x.com/login", "x.com"},
		{"  x.com  ", "x.com"},
		{"", ""},
		{"https:///path", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHost(tt.in); got != tt.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStore_MatchHostAndExactUsername(t *testing.T) {
	s := NewStore(discardLogger())
	s.Add(Credential{Website: "https://x.com/login", Username: "bob", Password: "p1"})

	if c, ok := s.Match("http://x.com", "bob"); !ok || c.Password != "p1" {
		t.Errorf("expected match across scheme and path, got %+v ok=%v", c, ok)
	}
	if _, ok := s.Match("https://x.com", "Bob"); ok {
		t.Error("username comparison must be exact")
	}
	if _, ok := s.Match("https://www.x.com", "bob"); ok {
		t.Error("subdomains must not match")
	}
	if _, ok := s.Match("", "bob"); ok {
		t.Error("empty website must not match")
	}
}

func TestCredential_MatchesAgreesWithStore(t *testing.T) {
	c := Credential{Website: "https://X.com:8443/login", Username: "bob"}
	s := NewStore(discardLogger())
	s.Add(c)

	for _, tc := range []struct {
		website, username string
		want              bool
	}{
		{"x.com:8443/account", "bob", true},
		{"https://x.com", "bob", false},
		{"https://x.com:8443", "Bob", false},
		{"", "bob", false},
	} {
		if got := c.Matches(tc.website, tc.username); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.website, tc.username, got, tc.want)
		}
		if _, got := s.Match(tc.website, tc.username); got != tc.want {
			t.Errorf("Store.Match(%q, %q) = %v, want %v", tc.website, tc.username, got, tc.want)
		}
	}
}

func TestStore_FirstMatchWins(t *testing.T) {
	s := NewStore(discardLogger())
	s.Add(
		Credential{Website: "https://a.test", Username: "bob", Password: "first"},
		Credential{Website: "https://a.test/other", Username: "bob", Password: "second"},
	)
	c, ok := s.Match("https://a.test", "bob")
	if !ok || c.Password != "first" {
		t.Errorf("got %+v, want first entry", c)
	}
	if s.Len() != 2 {
		t.Errorf("duplicates must be kept, got Len=%d", s.Len())
	}
}

func TestStore_ConcurrentMatch(t *testing.T) {
	s := NewStore(discardLogger())
	s.Add(Credential{Website: "https://a.test", Username: "bob", Password: "p1"})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, ok := s.Match("https://a.test", "bob"); !ok {
					t.Error("concurrent match failed")
					return
				}
			}
		}()
	}
	wg.Wait()
}

// --- LoadFile ---

func TestStore_LoadFileJSON(t *testing.T) {
	path := writeFile(t, "creds.json", `[
		{"website": "https://a.test", "username": "bob", "password": "p1", "totp_secret": "JBSWY3DPEHPK3PXP"},
		{"website": "https://b.test/login", "username": "alice", "notes": "ignored"}
	]`)

	s := NewStore(discardLogger())
	n, err := s.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if n != 2 || s.Len() != 2 {
		t.Fatalf("got n=%d Len=%d, want 2", n, s.Len())
	}

	c, ok := s.Match("https://a.test/account", "bob")
	if !ok || !c.HasPassword() || !c.HasTOTP() {
		t.Errorf("got %+v", c)
	}
	c, ok = s.Match("https://b.test", "alice")
	if !ok || c.HasPassword() || c.HasTOTP() {
		t.Errorf("got %+v, want credential without secrets", c)
	}
}

func TestStore_LoadFileYAML(t *testing.T) {
	path := writeFile(t, "creds.yaml", `
- website: https://a.test
  username: bob
  password: p1
`)
	s := NewStore(discardLogger())
	if n, err := s.LoadFile(path); err != nil || n != 1 {
		t.Fatalf("LoadFile: n=%d err=%v", n, err)
	}
}

func TestStore_LoadFileAppends(t *testing.T) {
	s := NewStore(discardLogger())
	s.Add(Credential{Website: "https://a.test", Username: "bob", Password: "existing"})

	path := writeFile(t, "creds.json", `[{"website": "https://a.test", "username": "bob", "password": "loaded"}]`)
	if _, err := s.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	c, _ := s.Match("https://a.test", "bob")
	if c.Password != "existing" {
		t.Errorf("earlier entries must keep precedence, got %q", c.Password)
	}
}

func TestStore_LoadFileMalformedIsAllOrNothing(t *testing.T) {
	tests := map[string]string{
		"not json":         `{{{`,
		"not a list":       `{"website": "https://a.test", "username": "bob"}`,
		"wrong field type": `[{"website": "https://a.test", "username": "bob"}, {"website": 42, "username": "x"}]`,
		"missing username": `[{"website": "https://a.test", "username": "bob"}, {"website": "https://b.test"}]`,
		"missing website":  `[{"username": "bob"}]`,
		"no host":          `[{"website": "https:///only-path", "username": "bob"}]`,
		"null record":      `[null]`,
		"trailing data":    `[] []`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			s := NewStore(discardLogger())
			n, err := s.LoadFile(writeFile(t, "creds.json", content))
			if !errors.Is(err, ErrLoad) {
				t.Fatalf("expected ErrLoad, got %v", err)
			}
			if n != 0 || s.Len() != 0 {
				t.Errorf("partial load: n=%d Len=%d", n, s.Len())
			}
		})
	}
}

func TestStore_LoadFileMissing(t *testing.T) {
	s := NewStore(discardLogger())
	_, err := s.LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrLoad) {
		t.Errorf("expected ErrLoad, got %v", err)
	}
}

// --- LoadVault ---

type stubVault struct {
	containers []string
	listErr    error
	items      map[string][]secrets.Item
	itemErr    map[string]error
	fields     map[string]map[string]string // item path -> field -> value
}

func (v *stubVault) ListContainers(context.Context) ([]string, error) {
	return v.containers, v.listErr
}

func (v *stubVault) ListItems(_ context.Context, container string) ([]secrets.Item, error) {
	if err := v.itemErr[container]; err != nil {
		return nil, err
	}
	return v.items[container], nil
}

func (v *stubVault) ResolveField(_ context.Context, item secrets.Item, field string) (string, error) {
	val, ok := v.fields[item.Path][field]
	if !ok {
		return "", secrets.ErrSecretNotFound
	}
	return val, nil
}

func TestStore_LoadVault(t *testing.T) {
	vault := &stubVault{
		containers: []string{"personal", "broken", "work"},
		itemErr:    map[string]error{"broken": errors.New("permission denied")},
		items: map[string][]secrets.Item{
			"personal": {
				{Container: "personal", Path: "github", Websites: []string{"https://github.com", "https://gist.github.com"}},
				{Container: "personal", Path: "note"},
				{Container: "personal", Path: "nopass", Websites: []string{"https://c.test"}},
			},
			"work": {
				{Container: "work", Path: "jira", Websites: []string{"https://jira.test"}},
			},
		},
		fields: map[string]map[string]string{
			"github": {"username": "bob", "password": "gh-pw", "totpsecret": "JBSWY3DPEHPK3PXP"},
			"note":   {"username": "n", "password": "n"},
			"nopass": {"username": "carol"},
			"jira":   {"username": "bob", "password": "jira-pw"},
		},
	}

	s := NewStore(discardLogger())
	n, err := s.LoadVault(context.Background(), vault)
	if err != nil {
		t.Fatalf("LoadVault: %v", err)
	}
	if n != 3 {
		t.Fatalf("got n=%d, want 3", n)
	}

	c, ok := s.Match("https://gist.github.com/x", "bob")
	if !ok || c.Password != "gh-pw" || c.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("got %+v", c)
	}
	c, ok = s.Match("https://jira.test", "bob")
	if !ok || c.TOTPSecret != "" {
		t.Errorf("TOTP is optional, got %+v", c)
	}
	if _, ok := s.Match("https://c.test", "carol"); ok {
		t.Error("item without password should be skipped")
	}
}

func TestStore_LoadVaultListError(t *testing.T) {
	s := NewStore(discardLogger())
	_, err := s.LoadVault(context.Background(), &stubVault{listErr: errors.New("sealed")})
	if !errors.Is(err, ErrLoad) {
		t.Errorf("expected ErrLoad, got %v", err)
	}
}
