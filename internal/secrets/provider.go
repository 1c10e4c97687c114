// Package secrets implements the pluggable lookup providers used by
// environment and configuration resolution, plus the TTL cache in
// front of them.
package secrets

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound marks a lookup whose subject is legitimately absent.
// Resolution treats it as "unresolved", never as a failure.
var ErrNotFound = errors.New("secret not found")

// Resolved is the outcome of one provider fetch.
type Resolved struct {
	// Raw is the fetched value as a string.
	Raw string
	// Format is the detected serialization format, FormatUnknown if none.
	Format Format
	// Parsed is the structured form of Raw, nil until parsed.
	Parsed any
}

// Provider is one lookup strategy. Providers form a closed set and are
// selected by ordered predicate matching: the first provider whose
// Supports accepts the value string wins, so the catch-all file
// provider must be last.
type Provider interface {
	// Name identifies the provider in cache keys and logs.
	Name() string

	// Supports reports whether this provider handles the value string.
	Supports(value string) bool

	// CacheKey returns the normalized cache key for a location, or ""
	// if results from this provider must never be cached.
	CacheKey(location string) string

	// Fetch retrieves the value at location. A legitimately absent
	// value returns an error wrapping ErrNotFound.
	Fetch(ctx context.Context, location string) (Resolved, error)
}

// transformSeparator splits the lookup location from an optional
// trailing transform expression.
const transformSeparator = "|"

// formatSeparator splits the lookup location from an optional explicit
// format suffix such as "!json".
const formatSeparator = "!"

// SplitTransform strips a trailing transform expression from a value
// string. The separator is searched from the right so lookup keys may
// themselves contain pipes when no transform is present.
func SplitTransform(value string) (location, transform string) {
	if idx := strings.LastIndex(value, transformSeparator); idx >= 0 {
		return value[:idx], value[idx+1:]
	}
	return value, ""
}

// SplitFormat strips a trailing explicit format suffix ("!json",
// "!yaml", "!dotenv") from a location. Unknown suffixes are left in
// place: a key named "data!v2" is a key, not a format request.
func SplitFormat(location string) (string, Format) {
	idx := strings.LastIndex(location, formatSeparator)
	if idx < 0 {
		return location, FormatUnknown
	}
	if f := formatByName(location[idx+1:]); f != FormatUnknown {
		return location[:idx], f
	}
	return location, FormatUnknown
}

// stripProviderPrefix removes a "NAME:" provider selector from a value.
func stripProviderPrefix(value, name string) string {
	return strings.TrimPrefix(value, name+":")
}
