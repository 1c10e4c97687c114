package secrets

import (
	"reflect"
	"testing"
)

func TestSplitTransform(t *testing.T) {
	tests := []struct {
		value, wantLoc, wantTransform string
	}{
		{"s3://bucket/key.json", "s3://bucket/key.json", ""},
		{"s3://bucket/key.json|$.a", "s3://bucket/key.json", "$.a"},
		{"arn:aws:secretsmanager:us-east-1:1:secret:db|$.password", "arn:aws:secretsmanager:us-east-1:1:secret:db", "$.password"},
	}
	for _, tt := range tests {
		loc, tr := SplitTransform(tt.value)
		if loc != tt.wantLoc || tr != tt.wantTransform {
			t.Errorf("SplitTransform(%q) = (%q, %q), want (%q, %q)",
				tt.value, loc, tr, tt.wantLoc, tt.wantTransform)
		}
	}
}

func TestSplitFormat(t *testing.T) {
	tests := []struct {
		location, wantLoc string
		wantFormat        Format
	}{
		{"config.json", "config.json", FormatUnknown},
		{"somekey!json", "somekey", FormatJSON},
		{"somekey!yaml", "somekey", FormatYAML},
		{"somekey!dotenv", "somekey", FormatDotenv},
		// Unknown suffixes stay part of the key.
		{"data!v2", "data!v2", FormatUnknown},
	}
	for _, tt := range tests {
		loc, f := SplitFormat(tt.location)
		if loc != tt.wantLoc || f != tt.wantFormat {
			t.Errorf("SplitFormat(%q) = (%q, %q), want (%q, %q)",
				tt.location, loc, f, tt.wantLoc, tt.wantFormat)
		}
	}
}

func TestGuessFormat(t *testing.T) {
	tests := []struct {
		location string
		want     Format
	}{
		{"settings.json", FormatJSON},
		{"settings.yaml", FormatYAML},
		{"settings.yml", FormatYAML},
		{"app.env", FormatDotenv},
		{"s3://bucket/staging.env.production", FormatDotenv},
		{"justakey", FormatUnknown},
	}
	for _, tt := range tests {
		if got := GuessFormat(tt.location); got != tt.want {
			t.Errorf("GuessFormat(%q) = %q, want %q", tt.location, got, tt.want)
		}
	}
}

func TestFormatFromContentType(t *testing.T) {
	if got := FormatFromContentType("application/json; charset=utf-8"); got != FormatJSON {
		t.Errorf("got %q, want json", got)
	}
	if got := FormatFromContentType("text/yaml"); got != FormatYAML {
		t.Errorf("got %q, want yaml", got)
	}
	if got := FormatFromContentType("application/octet-stream"); got != FormatUnknown {
		t.Errorf("got %q, want unknown", got)
	}
}

func TestParse_JSON(t *testing.T) {
	v, err := Parse(`{"a": "x", "n": 1}`, FormatJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("parsed value is %T, want map", v)
	}
	if m["a"] != "x" {
		t.Errorf(`m["a"] = %v, want "x"`, m["a"])
	}
}

func TestParse_Dotenv(t *testing.T) {
	v, err := Parse("DB_HOST=localhost\nDB_PORT=5432\n", FormatDotenv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("parsed value is %T, want map", v)
	}
	if !reflect.DeepEqual(m, map[string]any{"DB_HOST": "localhost", "DB_PORT": "5432"}) {
		t.Errorf("unexpected parse result: %v", m)
	}
}

func TestParse_YAML(t *testing.T) {
	v, err := Parse("db:\n  host: localhost\n", FormatYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("parsed value is %T, want map", v)
	}
	db, ok := m["db"].(map[string]any)
	if !ok || db["host"] != "localhost" {
		t.Errorf("unexpected parse result: %v", m)
	}
}

func TestParse_UnknownFormatErrors(t *testing.T) {
	if _, err := Parse("anything", FormatUnknown); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
