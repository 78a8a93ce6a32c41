package credential

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/agentauth/internal/secrets"
)

// Vault item fields read during import.
const (
	FieldUsername   = "username"
	FieldPassword   = "password"
	FieldTOTPSecret = "totpsecret"
)

// VaultClient enumerates a secret vault for credential import.
// secrets.VaultProvider satisfies it.
type VaultClient interface {
	ListContainers(ctx context.Context) ([]string, error)
	ListItems(ctx context.Context, container string) ([]secrets.Item, error)
	ResolveField(ctx context.Context, item secrets.Item, field string) (string, error)
}

// LoadVault imports every item that has at least one associated website.
// Items whose username or password cannot be resolved are skipped; the TOTP
// secret is optional. One credential is added per associated website.
// Containers that cannot be listed are skipped. Returns the number added.
func (s *Store) LoadVault(ctx context.Context, client VaultClient) (int, error) {
	containers, err := client.ListContainers(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: listing vault containers: %w", ErrLoad, err)
	}

	var loaded []Credential
	for _, container := range containers {
		items, err := client.ListItems(ctx, container)
		if err != nil {
			if ctx.Err() != nil {
				return 0, fmt.Errorf("%w: %w", ErrLoad, ctx.Err())
			}
			s.logger.Warn("skipping vault container",
				slog.String("container", container),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, item := range items {
			if len(item.Websites) == 0 {
				continue
			}
			creds, ok := s.importItem(ctx, client, item)
			if !ok {
				continue
			}
			loaded = append(loaded, creds...)
		}
	}

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	s.Add(loaded...)
	s.logger.Info("credentials loaded",
		slog.String("source", "vault"),
		slog.Int("containers", len(containers)),
		slog.Int("count", len(loaded)),
	)
	return len(loaded), nil
}

func (s *Store) importItem(ctx context.Context, client VaultClient, item secrets.Item) ([]Credential, bool) {
	username, err := client.ResolveField(ctx, item, FieldUsername)
	if err != nil || username == "" {
		s.logger.Debug("skipping vault item without username",
			slog.String("container", item.Container),
			slog.String("item", item.Path),
		)
		return nil, false
	}
	password, err := client.ResolveField(ctx, item, FieldPassword)
	if err != nil {
		s.logger.Debug("skipping vault item without password",
			slog.String("container", item.Container),
			slog.String("item", item.Path),
		)
		return nil, false
	}
	totpSecret, _ := client.ResolveField(ctx, item, FieldTOTPSecret)

	creds := make([]Credential, 0, len(item.Websites))
	for _, website := range item.Websites {
		if NormalizeHost(website) == "" {
			continue
		}
		creds = append(creds, Credential{
			Website:    website,
			Username:   username,
			Password:   password,
			TOTPSecret: totpSecret,
		})
	}
	return creds, len(creds) > 0
}
