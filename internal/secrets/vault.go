package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// VaultProvider resolves references from HashiCorp Vault KV v2 and enumerates
// the items stored there for credential import.
// Reference format: "vault://secret/data/sites/github#password"
//   - vault://            required prefix
//   - secret/data/...     full KV v2 API path
//   - #password           optional field selector (omit to get the data map as JSON)
//
// Uses token-based authentication (VAULT_TOKEN).
// Safe for concurrent use.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	mounts    []string
	client    *http.Client
}

// Item is one KV v2 secret seen during enumeration.
type Item struct {
	Container string   // KV v2 mount, e.g. "secret".
	Path      string   // Path below the mount, e.g. "sites/github".
	Title     string   // Last path segment.
	Websites  []string // Websites the item is associated with.
}

// NewVaultProvider creates a Vault KV v2 secret provider from config.
//
// Supported config keys:
//   - address:         Vault server URL (overridden by VAULT_ADDR env var)
//   - token:           Vault token (overridden by VAULT_TOKEN env var)
//   - namespace:       Enterprise namespace (overridden by VAULT_NAMESPACE env var)
//   - mounts:          Comma separated KV v2 mounts to enumerate (default: discovered)
//   - timeout:         HTTP timeout, e.g. "5s" (default: 5s)
//   - tls_skip_verify: Skip TLS verification, "true"/"false" (default: false)
func NewVaultProvider(cfg map[string]string) (*VaultProvider, error) {
	address := cfg["address"]
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set config key 'address' or VAULT_ADDR)")
	}
	address = strings.TrimRight(address, "/")

	token := cfg["token"]
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set config key 'token' or VAULT_TOKEN)")
	}

	namespace := cfg["namespace"]
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}

	var mounts []string
	for _, m := range strings.Split(cfg["mounts"], ",") {
		if m = strings.Trim(strings.TrimSpace(m), "/"); m != "" {
			mounts = append(mounts, m)
		}
	}

	timeout := 5 * time.Second
	if t := cfg["timeout"]; t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid vault timeout %q: %w", t, err)
		}
		timeout = d
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg["tls_skip_verify"] == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   address,
		token:     token,
		namespace: namespace,
		mounts:    mounts,
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	const prefix = "vault://"
	if !strings.HasPrefix(ref, prefix) {
		return nil, fmt.Errorf("%w: vault provider only handles vault:// references, got %q",
			ErrSecretNotFound, ref)
	}

	raw := strings.TrimPrefix(ref, prefix)
	path, field, _ := strings.Cut(raw, "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	body, err := p.get(ctx, path)
	if err != nil {
		return nil, err
	}

	// KV v2 envelope: { "data": { "data": { ... }, "metadata": { ... } } }
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}

	data := envelope.Data.Data
	if data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}

	metadata := map[string]string{
		"source": "vault",
		"path":   path,
	}

	if field != "" {
		metadata["field"] = field
		val, ok := data[field]
		if !ok {
			return nil, fmt.Errorf("%w: field %q not found in vault path %q",
				ErrSecretNotFound, field, path)
		}
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
		}
		return &Secret{Value: str, Metadata: metadata}, nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling vault data: %w", err)
	}
	return &Secret{Value: string(jsonBytes), Metadata: metadata}, nil
}

// ListContainers returns the configured mounts, or every KV v2 mount the token can see.
func (p *VaultProvider) ListContainers(ctx context.Context) ([]string, error) {
	if len(p.mounts) > 0 {
		return append([]string(nil), p.mounts...), nil
	}

	body, err := p.get(ctx, "sys/mounts")
	if err != nil {
		return nil, err
	}

	type mountInfo struct {
		Type    string            `json:"type"`
		Options map[string]string `json:"options"`
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("parsing vault mounts: %w", err)
	}
	// Newer servers nest the table under "data"; older ones return it at the top level.
	entries := top
	if nested, ok := top["data"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil && len(inner) > 0 {
			entries = inner
		}
	}

	var mounts []string
	for name, raw := range entries {
		var info mountInfo
		if err := json.Unmarshal(raw, &info); err != nil || info.Type != "kv" {
			continue
		}
		if info.Options["version"] != "2" {
			continue
		}
		mounts = append(mounts, strings.Trim(name, "/"))
	}
	sort.Strings(mounts)
	return mounts, nil
}

// ListItems walks a KV v2 mount and returns every leaf secret with its websites.
// Websites come from the "website" custom metadata key (comma separated), or
// from a "website" data field when no metadata is set.
func (p *VaultProvider) ListItems(ctx context.Context, container string) ([]Item, error) {
	var items []Item
	if err := p.walk(ctx, container, "", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ResolveField resolves one data field of an enumerated item.
func (p *VaultProvider) ResolveField(ctx context.Context, item Item, field string) (string, error) {
	ref := fmt.Sprintf("vault://%s/data/%s#%s", item.Container, item.Path, field)
	secret, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

func (p *VaultProvider) walk(ctx context.Context, mount, prefix string, items *[]Item) error {
	body, err := p.get(ctx, fmt.Sprintf("%s/metadata/%s?list=true", mount, prefix))
	if errors.Is(err, ErrSecretNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var listing struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return fmt.Errorf("parsing vault listing for %q: %w", mount+"/"+prefix, err)
	}

	for _, key := range listing.Data.Keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasSuffix(key, "/") {
			if err := p.walk(ctx, mount, prefix+key, items); err != nil {
				return err
			}
			continue
		}
		item := Item{Container: mount, Path: prefix + key, Title: key}
		websites, err := p.websites(ctx, item)
		if err != nil {
			return err
		}
		item.Websites = websites
		*items = append(*items, item)
	}
	return nil
}

func (p *VaultProvider) websites(ctx context.Context, item Item) ([]string, error) {
	body, err := p.get(ctx, fmt.Sprintf("%s/metadata/%s", item.Container, item.Path))
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return nil, err
	}

	var meta struct {
		Data struct {
			CustomMetadata map[string]string `json:"custom_metadata"`
		} `json:"data"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &meta); err != nil {
			return nil, fmt.Errorf("parsing vault metadata for %q: %w", item.Path, err)
		}
	}

	raw := meta.Data.CustomMetadata["website"]
	if raw == "" {
		// Fall back to a data field; absence simply means no website.
		if v, err := p.ResolveField(ctx, item, "website"); err == nil {
			raw = v
		}
	}

	var out []string
	for _, w := range strings.Split(raw, ",") {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out, nil
}

// get performs an authenticated GET against /v1/<path> and maps HTTP status to errors.
func (p *VaultProvider) get(ctx context.Context, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/%s", p.address, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	// Strip the query for error messages.
	path, _, _ = strings.Cut(path, "?")
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q (check token permissions)", path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d for path %q", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}
	return body, nil
}
