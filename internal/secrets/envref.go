package secrets

import (
	"context"
	"fmt"
	"strings"
)

// EnvRefProvider reads from the environment mapping currently being
// resolved, so references observe values produced earlier in the same
// pass. Lookups are never cached: the mapping changes between passes.
type EnvRefProvider struct {
	// Lookup returns the current value of an environment variable.
	Lookup func(name string) (string, bool)
}

func (EnvRefProvider) Name() string { return "ENV" }

func (EnvRefProvider) Supports(value string) bool {
	return strings.HasPrefix(value, "ENV:")
}

func (EnvRefProvider) CacheKey(string) string { return "" }

func (p EnvRefProvider) Fetch(_ context.Context, location string) (Resolved, error) {
	name := stripProviderPrefix(location, p.Name())
	v, ok := p.Lookup(name)
	if !ok {
		return Resolved{}, fmt.Errorf("environment variable %q: %w", name, ErrNotFound)
	}
	return Resolved{Raw: v}, nil
}
