package secrets

import (
	"context"
	"strings"
)

// PlainProvider passes the value through unchanged. It exists so a
// literal value can still carry a transform or format suffix.
type PlainProvider struct{}

func (PlainProvider) Name() string { return "PLAIN" }

func (PlainProvider) Supports(value string) bool {
	return strings.HasPrefix(value, "PLAIN:")
}

// CacheKey returns "": a plain value needs no fetch, caching it would
// only pin stale data.
func (PlainProvider) CacheKey(string) string { return "" }

func (p PlainProvider) Fetch(_ context.Context, location string) (Resolved, error) {
	return Resolved{Raw: stripProviderPrefix(location, p.Name())}, nil
}
