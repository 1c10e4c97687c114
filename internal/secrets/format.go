package secrets

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Format is a supported serialization format for fetched secret data.
type Format string

const (
	FormatUnknown Format = ""
	FormatDotenv  Format = "dotenv"
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
)

func formatByName(name string) Format {
	switch strings.ToLower(name) {
	case "dotenv", "env":
		return FormatDotenv
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	default:
		return FormatUnknown
	}
}

// GuessFormat infers a format from a location name: a ".env." substring
// wins, then the file extension.
func GuessFormat(location string) Format {
	lower := strings.ToLower(location)
	if strings.Contains(lower, ".env.") || strings.HasSuffix(lower, ".env") {
		return FormatDotenv
	}
	if idx := strings.LastIndex(lower, "."); idx >= 0 {
		return formatByName(lower[idx+1:])
	}
	return FormatUnknown
}

// FormatFromContentType maps an HTTP content type, as returned by an
// object store, to a format.
func FormatFromContentType(contentType string) Format {
	ct := strings.ToLower(contentType)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	switch strings.TrimSpace(ct) {
	case "application/json":
		return FormatJSON
	case "application/x-yaml", "text/yaml", "application/yaml":
		return FormatYAML
	case "text/x-dotenv":
		return FormatDotenv
	default:
		return FormatUnknown
	}
}

// Parse parses raw data per the given format. Dotenv parses to a
// map[string]any of strings so it merges like the other formats.
func Parse(raw string, format Format) (any, error) {
	switch format {
	case FormatJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
		return v, nil
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
		return v, nil
	case FormatDotenv:
		m, err := godotenv.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing dotenv: %w", err)
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("no format known for value, cannot parse")
	}
}
