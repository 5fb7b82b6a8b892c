package server

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Launch defaults applied when a field is zero. Heap sizes are megabytes.
const (
	DefaultJavaPath        = "java"
	DefaultMinHeapMB       = 2048
	DefaultMaxHeapMB       = 2048
	DefaultShutdownTimeout = 30 * time.Second
	DefaultReadyTimeout    = 2 * time.Minute
	// DefaultReadyPattern matches the vanilla family's startup-complete line.
	DefaultReadyPattern = `Done \([0-9.,]+s?\)!`
)

var (
	DefaultJavaOptions   = []string{"-Dfile.encoding=UTF-8"}
	DefaultServerOptions = []string{"--nogui"}
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ErrInvalidConfig marks configuration problems detected at registration.
var ErrInvalidConfig = errors.New("server: invalid configuration")

// LaunchConfig describes how the server process is assembled. Either
// Command is set (raw command line, run via the shell when it contains
// metacharacters) or the structured java fields are used.
type LaunchConfig struct {
	Command       string   `json:"command,omitempty" mapstructure:"command"`
	JavaPath      string   `json:"java_path,omitempty" mapstructure:"java_path"`
	JavaOptions   []string `json:"java_options,omitempty" mapstructure:"java_options"`
	JarFile       string   `json:"jar_file,omitempty" mapstructure:"jar_file"`
	ServerOptions []string `json:"server_options,omitempty" mapstructure:"server_options"`
	MinHeapMB     int      `json:"min_heap_mb,omitempty" mapstructure:"min_heap_mb"`
	MaxHeapMB     int      `json:"max_heap_mb,omitempty" mapstructure:"max_heap_mb"`
	// SkipMemoryCheck disables the free-memory admission gate for this
	// server. The gate only applies to the structured java form anyway;
	// raw commands carry no heap size to reason about.
	SkipMemoryCheck bool `json:"skip_memory_check,omitempty" mapstructure:"skip_memory_check"`
}

// Config is one server's registration. Zero durations and empty launch
// fields inherit the package defaults (the config layer may have already
// applied fleet-wide defaults on top).
type Config struct {
	ID   string `json:"id" mapstructure:"id"`
	Name string `json:"name" mapstructure:"name"`
	Dir  string `json:"dir" mapstructure:"dir"`
	Type Type   `json:"type" mapstructure:"type"`

	Launch LaunchConfig      `json:"launch" mapstructure:"launch"`
	Env    map[string]string `json:"env,omitempty" mapstructure:"env"`

	// StopCommand overrides the type's console shutdown command.
	StopCommand     string        `json:"stop_command,omitempty" mapstructure:"stop_command"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty" mapstructure:"shutdown_timeout"`

	ReadyTimeout time.Duration `json:"ready_timeout,omitempty" mapstructure:"ready_timeout"`
	ReadyPattern string        `json:"ready_pattern,omitempty" mapstructure:"ready_pattern"`
	// ReadyPort, when set, declares readiness once a TCP connect succeeds.
	ReadyPort int `json:"ready_port,omitempty" mapstructure:"ready_port"`
}

// Validate checks the fields needed to register and launch. The id is
// expected to be lowercased by the caller before validation.
func (c *Config) Validate() error {
	if c.ID == "" || !idPattern.MatchString(c.ID) {
		return fmt.Errorf("%w: id %q (want lowercase [a-z0-9_-])", ErrInvalidConfig, c.ID)
	}
	if c.Dir == "" {
		return fmt.Errorf("%w: server %s has no working directory", ErrInvalidConfig, c.ID)
	}
	if fi, err := os.Stat(c.Dir); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: server %s working directory %s is not a directory", ErrInvalidConfig, c.ID, c.Dir)
	}
	if strings.TrimSpace(c.Launch.Command) == "" && strings.TrimSpace(c.Launch.JarFile) == "" {
		return fmt.Errorf("%w: server %s declares neither a launch command nor a jar file", ErrInvalidConfig, c.ID)
	}
	return nil
}

// ResolvedStopCommand picks the console shutdown command: explicit
// override, then the type's default, then "stop".
func (c *Config) ResolvedStopCommand() string {
	if c.StopCommand != "" {
		return c.StopCommand
	}
	if sc := c.Type.StopCommand(); sc != "" {
		return sc
	}
	return "stop"
}

// ResolvedShutdownTimeout returns the graceful-stop escalation window.
func (c *Config) ResolvedShutdownTimeout() time.Duration {
	if c.ShutdownTimeout > 0 {
		return c.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

// ResolvedReadyTimeout returns the start readiness window.
func (c *Config) ResolvedReadyTimeout() time.Duration {
	if c.ReadyTimeout > 0 {
		return c.ReadyTimeout
	}
	return DefaultReadyTimeout
}

// ResolvedReadyPattern returns the readiness log pattern.
func (c *Config) ResolvedReadyPattern() string {
	if c.ReadyPattern != "" {
		return c.ReadyPattern
	}
	return DefaultReadyPattern
}

// BuildCommand assembles the launch command line. A raw Command wins over
// the structured java form.
func (c *Config) BuildCommand() (string, []string) {
	if raw := strings.TrimSpace(c.Launch.Command); raw != "" {
		return buildRawCommand(raw)
	}
	javaPath := c.Launch.JavaPath
	if javaPath == "" {
		javaPath = DefaultJavaPath
	}
	javaOpts := c.Launch.JavaOptions
	if javaOpts == nil {
		javaOpts = DefaultJavaOptions
	}
	serverOpts := c.Launch.ServerOptions
	if serverOpts == nil {
		serverOpts = DefaultServerOptions
	}
	minHeap := c.Launch.MinHeapMB
	if minHeap <= 0 {
		minHeap = DefaultMinHeapMB
	}
	maxHeap := c.Launch.MaxHeapMB
	if maxHeap <= 0 {
		maxHeap = DefaultMaxHeapMB
	}
	args := make([]string, 0, len(javaOpts)+len(serverOpts)+4)
	args = append(args, javaOpts...)
	args = append(args, fmt.Sprintf("-Xms%dM", minHeap), fmt.Sprintf("-Xmx%dM", maxHeap))
	args = append(args, "-jar", c.Launch.JarFile)
	args = append(args, serverOpts...)
	return javaPath, args
}

// MaxHeapBytes returns the effective -Xmx in bytes, for the free-memory gate.
func (c *Config) MaxHeapBytes() uint64 {
	maxHeap := c.Launch.MaxHeapMB
	if maxHeap <= 0 {
		maxHeap = DefaultMaxHeapMB
	}
	return uint64(maxHeap) * 1024 * 1024
}

// buildRawCommand splits a raw command line, deferring to the shell when
// it already names one or uses metacharacters, mirroring how explicit
// shell commands keep their quoting intact.
func buildRawCommand(raw string) (string, []string) {
	if _, afterC, ok := parseExplicitShell(raw); ok {
		return "/bin/sh", []string{"-c", afterC}
	}
	if strings.ContainsAny(raw, "|&;<>*?`$\"'(){}[]~") {
		return "/bin/sh", []string{"-c", raw}
	}
	parts := strings.Fields(raw)
	return parts[0], parts[1:]
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c verbatim, stripping one wrapping quote pair so the outer
// quotes do not inhibit shell parsing.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
