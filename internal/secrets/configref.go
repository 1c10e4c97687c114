package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ConfigRefProvider resolves a path query against the configuration
// tree currently being resolved. The lookup key is the query itself.
// Never cached: the tree changes between passes.
type ConfigRefProvider struct {
	// Tree returns the current configuration tree.
	Tree func() map[string]any

	// Query evaluates a path expression against data. A query with no
	// matches must return an error wrapping ErrNotFound.
	Query func(expr string, data any) (any, error)
}

func (ConfigRefProvider) Name() string { return "CONFIG" }

func (ConfigRefProvider) Supports(value string) bool {
	return strings.HasPrefix(value, "CONFIG:")
}

func (ConfigRefProvider) CacheKey(string) string { return "" }

func (p ConfigRefProvider) Fetch(_ context.Context, location string) (Resolved, error) {
	expr := stripProviderPrefix(location, p.Name())
	v, err := p.Query(expr, p.Tree())
	if err != nil {
		return Resolved{}, err
	}
	switch typed := v.(type) {
	case string:
		return Resolved{Raw: typed, Parsed: typed}, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Resolved{}, fmt.Errorf("serializing config value at %q: %w", expr, err)
		}
		return Resolved{Raw: string(raw), Format: FormatJSON, Parsed: v}, nil
	}
}
