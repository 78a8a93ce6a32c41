package secrets

import (
	"context"
	"fmt"
	"strings"
)

// CompositeProvider routes a reference to the first provider that resolves it.
// Providers are tried in order; a nil provider in the list is skipped.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	kept := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return &CompositeProvider{providers: kept}
}

func (p *CompositeProvider) Name() string {
	names := make([]string, len(p.providers))
	for i, provider := range p.providers {
		names[i] = provider.Name()
	}
	return "composite(" + strings.Join(names, ",") + ")"
}

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	var lastErr error
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, ref)
		if err == nil {
			return secret, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, ref)
}
