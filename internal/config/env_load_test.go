package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/loykin/craftd/internal/env"
	"github.com/loykin/craftd/internal/server"
)

func writeEnvFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vars.env")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestFleetEnv_InlineBeatsFiles(t *testing.T) {
	file := writeEnvFile(t, `
# fleet vars
JAVA_HOME=/opt/java17
REGION = eu
`)
	c := &FileConfig{
		EnvFiles: []string{file},
		Env:      []string{"JAVA_HOME=/opt/java21", "EXTRA=${REGION}-1"},
	}
	vars, err := c.FleetEnv()
	if err != nil {
		t.Fatalf("FleetEnv: %v", err)
	}
	if vars["JAVA_HOME"] != "/opt/java21" {
		t.Fatalf("JAVA_HOME = %q", vars["JAVA_HOME"])
	}
	if vars["REGION"] != "eu" {
		t.Fatalf("REGION = %q", vars["REGION"])
	}
	// Expansion happens at merge time, not load time.
	if vars["EXTRA"] != "${REGION}-1" {
		t.Fatalf("EXTRA = %q", vars["EXTRA"])
	}
}

func TestEnvironment_MergesAndExpands(t *testing.T) {
	c := &FileConfig{
		UseOSEnv: false,
		Env:      []string{"REGION=eu", "LABEL=${REGION}-lobby"},
	}
	e, err := c.Environment()
	if err != nil {
		t.Fatalf("Environment: %v", err)
	}
	got := e.Merge(env.Var{"REGION": "us"})
	if !slices.Contains(got, "REGION=us") {
		t.Fatalf("per-server override lost: %v", got)
	}
	if !slices.Contains(got, "LABEL=us-lobby") {
		t.Fatalf("expansion wrong: %v", got)
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "PATH=") {
			t.Fatal("OS environment leaked despite use_os_env = false")
		}
	}
}

func TestEnvironment_UsesOSBase(t *testing.T) {
	t.Setenv("CRAFTD_TEST_MARKER", "here")
	c := &FileConfig{UseOSEnv: true}
	e, err := c.Environment()
	if err != nil {
		t.Fatalf("Environment: %v", err)
	}
	if !slices.Contains(e.Merge(nil), "CRAFTD_TEST_MARKER=here") {
		t.Fatal("OS base missing")
	}
}

func TestFleetEnv_MalformedEntries(t *testing.T) {
	c := &FileConfig{Env: []string{"NOEQUALS"}}
	if _, err := c.FleetEnv(); !errors.Is(err, server.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	file := writeEnvFile(t, "JUSTAWORD\n")
	c = &FileConfig{EnvFiles: []string{file}}
	if _, err := c.FleetEnv(); !errors.Is(err, server.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestFleetEnv_MissingFile(t *testing.T) {
	c := &FileConfig{EnvFiles: []string{"/nonexistent/vars.env"}}
	if _, err := c.FleetEnv(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
