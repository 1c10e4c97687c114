package secrets

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// FileURLProvider reads a local file addressed by a file:// URL.
type FileURLProvider struct{}

func (FileURLProvider) Name() string { return "FILE_URL" }

func (FileURLProvider) Supports(value string) bool {
	return strings.HasPrefix(value, "file://")
}

func (p FileURLProvider) CacheKey(location string) string {
	if path, err := fileURLPath(location); err == nil {
		return p.Name() + ":" + path
	}
	return p.Name() + ":" + location
}

func (FileURLProvider) Fetch(_ context.Context, location string) (Resolved, error) {
	path, err := fileURLPath(location)
	if err != nil {
		return Resolved{}, err
	}
	return readFile(path)
}

func fileURLPath(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing file URL %q: %w", location, err)
	}
	if u.Path == "" {
		return "", fmt.Errorf("file URL %q has no path", location)
	}
	return u.Path, nil
}

// FilePathProvider reads a local file by bare path. It accepts every
// value, so it must be the last provider consulted.
type FilePathProvider struct{}

func (FilePathProvider) Name() string { return "FILE" }

func (FilePathProvider) Supports(string) bool { return true }

func (p FilePathProvider) CacheKey(location string) string {
	return p.Name() + ":" + location
}

func (FilePathProvider) Fetch(_ context.Context, location string) (Resolved, error) {
	return readFile(location)
}

func readFile(path string) (Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Resolved{}, fmt.Errorf("file %q: %w", path, ErrNotFound)
		}
		return Resolved{}, fmt.Errorf("reading file %q: %w", path, err)
	}
	return Resolved{Raw: string(data)}, nil
}
