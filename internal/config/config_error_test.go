package config

import (
	"errors"
	"testing"

	"github.com/loykin/craftd/internal/server"
)

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/craftd.toml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, `data_dir = [unclosed`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"negative workers", "[fileops]\nworkers = -1\n"},
		{"negative console lines", "[console]\nlines = -1\n"},
		{"unknown compression", "[backup]\ncompression = \"brotli\"\n"},
		{"bad saved pattern", "[backup]\nsaved_pattern = \"(unclosed\"\n"},
		{"bad ready pattern", "[launch]\nready_pattern = \"(unclosed\"\n"},
		{"bad schedule", "[backup]\nschedule = \"often\"\n"},
		{"bad server pattern", "[[servers]]\nid = \"a\"\nready_pattern = \"(unclosed\"\n"},
		{"tls cert without key", "[metrics.tls]\nenabled = true\ncert_file = \"only.crt\"\n"},
		{"tls bad version", "[metrics.tls]\nenabled = true\nmin_version = \"ssl3\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			_, err := Load(path)
			if !errors.Is(err, server.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoad_AcceptsScheduleForms(t *testing.T) {
	for _, spec := range []string{"@daily", "0 4 * * *", "*/30 * * * * *"} {
		path := writeConfig(t, "[backup]\nschedule = \""+spec+"\"\n")
		if _, err := Load(path); err != nil {
			t.Fatalf("schedule %q rejected: %v", spec, err)
		}
	}
}
