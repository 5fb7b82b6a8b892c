package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfig_NewLogger(t *testing.T) {
	for _, cfg := range []Config{
		{Level: "debug", Format: "text"},
		{Level: "info", Format: "json"},
		{Level: "warn", Format: "text", Color: true},
	} {
		if l := cfg.NewLogger(); l == nil {
			t.Fatalf("NewLogger returned nil for %+v", cfg)
		}
	}
}

func TestConfig_ConsoleWriter(t *testing.T) {
	if w := (Config{}).ConsoleWriter("lobby"); w != nil {
		t.Fatalf("capture should be disabled without a directory")
	}

	dir := t.TempDir()
	cfg := Config{Dir: dir, MaxSizeMB: 1}
	w := cfg.ConsoleWriter("lobby")
	if w == nil {
		t.Fatalf("expected writer")
	}
	if _, err := w.Write([]byte("[12:00:00] [Server thread/INFO]: Done (1.2s)!\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "lobby.console.log"))
	if err != nil {
		t.Fatalf("read capture file: %v", err)
	}
	if !strings.Contains(string(b), "Done (1.2s)!") {
		t.Fatalf("capture file content: %q", b)
	}
}
