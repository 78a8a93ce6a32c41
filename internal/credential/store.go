package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrLoad is returned when a credential source cannot be read or parsed.
var ErrLoad = errors.New("credential load failed")

// Store is an ordered list of credentials. Insertion order is preserved,
// duplicates are kept and the first match wins.
// Loads are expected to happen at startup; lookups are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	creds  []Credential
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{logger: logger}
}

// Add appends credentials in order.
func (s *Store) Add(creds ...Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append(s.creds, creds...)
}

// LoadFile parses a JSON (or YAML, by extension) array of credential records
// and appends them. Any malformed record fails the whole load and nothing is
// appended. Returns the number of credentials added.
func (s *Store) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: reading %s: %w", ErrLoad, path, err)
	}

	creds, err := parseRecords(data, filepath.Ext(path))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}

	s.Add(creds...)
	s.logger.Info("credentials loaded",
		slog.String("source", "file"),
		slog.String("path", path),
		slog.Int("count", len(creds)),
	)
	return len(creds), nil
}

// Match returns the first credential whose host equals the host of website
// and whose username equals username exactly.
func (s *Store) Match(website, username string) (Credential, bool) {
	host := NormalizeHost(website)
	if host == "" {
		return Credential{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.matchesHost(host, username) {
			return c, true
		}
	}
	return Credential{}, false
}

// Len returns the number of stored credentials.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}

// All returns a copy of the stored credentials in insertion order.
func (s *Store) All() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// record mirrors Credential with pointer fields so missing and wrongly typed
// fields can be told apart from empty ones.
type record struct {
	Website    *string `json:"website" yaml:"website"`
	Username   *string `json:"username" yaml:"username"`
	Password   *string `json:"password" yaml:"password"`
	TOTPSecret *string `json:"totp_secret" yaml:"totp_secret"`
}

func parseRecords(data []byte, ext string) ([]Credential, error) {
	var records []*record
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
		if dec.More() {
			return nil, errors.New("parsing json: trailing data after credential list")
		}
	}

	creds := make([]Credential, 0, len(records))
	for i, r := range records {
		c, err := r.credential()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		creds = append(creds, c)
	}
	return creds, nil
}

func (r *record) credential() (Credential, error) {
	if r == nil {
		return Credential{}, errors.New("null record")
	}
	if r.Website == nil || strings.TrimSpace(*r.Website) == "" {
		return Credential{}, errors.New("missing website")
	}
	if r.Username == nil || *r.Username == "" {
		return Credential{}, errors.New("missing username")
	}
	if NormalizeHost(*r.Website) == "" {
		return Credential{}, fmt.Errorf("website %q has no host", *r.Website)
	}
	c := Credential{Website: *r.Website, Username: *r.Username}
	if r.Password != nil {
		c.Password = *r.Password
	}
	if r.TOTPSecret != nil {
		c.TOTPSecret = *r.TOTPSecret
	}
	return c, nil
}
