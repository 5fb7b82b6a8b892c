package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/craftd/internal/backup/compress"
	"github.com/loykin/craftd/internal/env"
	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/server"
	"github.com/loykin/craftd/internal/tls"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	DefaultDataDir        = "data"
	DefaultFileOpsWorkers = 4
	DefaultConsoleLines   = 10000
	DefaultCompression    = "zstd"
	DefaultSaveCommand    = "save-all"
	DefaultSavedPattern   = "Saved the game"
	DefaultSettleDelay    = 3 * time.Second
)

// scheduleParser accepts the same specs the backup scheduler runs:
// standard five-field cron, an optional seconds field, and @descriptors.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// FileConfig is the top-level craftd configuration file (TOML).
type FileConfig struct {
	// DataDir is the root for everything craftd stores on disk. Server
	// directories, backups and the trash default to locations under it.
	DataDir  string `toml:"data_dir" mapstructure:"data_dir"`
	TrashDir string `toml:"trash_dir" mapstructure:"trash_dir"`

	// UseOSEnv controls whether launched servers inherit the host
	// environment as the base for env/env_files overrides.
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`

	Log     logger.Config  `toml:"log" mapstructure:"log"`
	Journal JournalConfig  `toml:"journal" mapstructure:"journal"`
	FileOps FileOpsConfig  `toml:"fileops" mapstructure:"fileops"`
	Console ConsoleConfig  `toml:"console" mapstructure:"console"`
	Metrics MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Launch  LaunchDefaults `toml:"launch" mapstructure:"launch"`
	Backup  BackupConfig   `toml:"backup" mapstructure:"backup"`

	Servers []server.Config `toml:"servers" mapstructure:"servers"`
}

// JournalConfig names the sink for state transition records.
// An empty DSN disables journaling.
type JournalConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type FileOpsConfig struct {
	Workers   int           `toml:"workers" mapstructure:"workers"`
	Retention time.Duration `toml:"retention" mapstructure:"retention"`
}

type ConsoleConfig struct {
	Lines int `toml:"lines" mapstructure:"lines"`
}

// MetricsConfig configures the ops listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string     `toml:"addr" mapstructure:"addr"`
	TLS  tls.Config `toml:"tls" mapstructure:"tls"`
}

// LaunchDefaults are fleet-wide launch settings layered under each
// server's own config. A server field left at its zero value takes the
// fleet default.
type LaunchDefaults struct {
	JavaPath        string        `toml:"java_path" mapstructure:"java_path"`
	JavaOptions     []string      `toml:"java_options" mapstructure:"java_options"`
	ServerOptions   []string      `toml:"server_options" mapstructure:"server_options"`
	MinHeapMB       int           `toml:"min_heap_mb" mapstructure:"min_heap_mb"`
	MaxHeapMB       int           `toml:"max_heap_mb" mapstructure:"max_heap_mb"`
	SkipMemoryCheck bool          `toml:"skip_memory_check" mapstructure:"skip_memory_check"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	ReadyTimeout    time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	ReadyPattern    string        `toml:"ready_pattern" mapstructure:"ready_pattern"`
}

type BackupConfig struct {
	Dir          string        `toml:"dir" mapstructure:"dir"`
	Compression  string        `toml:"compression" mapstructure:"compression"`
	SettleDelay  time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	SaveCommand  string        `toml:"save_command" mapstructure:"save_command"`
	SavedPattern string        `toml:"saved_pattern" mapstructure:"saved_pattern"`
	MaxCount     int           `toml:"max_count" mapstructure:"max_count"`
	MaxAge       time.Duration `toml:"max_age" mapstructure:"max_age"`
	Schedule     string        `toml:"schedule" mapstructure:"schedule"`
}

// Load reads a TOML config file, fills in defaults and layers the
// fleet-wide launch settings onto every server entry.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c FileConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Normalize(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// LoadServers reads only the server list from a config file, with the
// fleet launch defaults already applied.
func LoadServers(path string) ([]server.Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return c.Servers, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("use_os_env", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)

	v.SetDefault("fileops.workers", DefaultFileOpsWorkers)
	v.SetDefault("console.lines", DefaultConsoleLines)

	v.SetDefault("launch.java_path", server.DefaultJavaPath)
	v.SetDefault("launch.java_options", server.DefaultJavaOptions)
	v.SetDefault("launch.server_options", server.DefaultServerOptions)
	v.SetDefault("launch.min_heap_mb", server.DefaultMinHeapMB)
	v.SetDefault("launch.max_heap_mb", server.DefaultMaxHeapMB)
	v.SetDefault("launch.shutdown_timeout", server.DefaultShutdownTimeout)
	v.SetDefault("launch.ready_timeout", server.DefaultReadyTimeout)
	v.SetDefault("launch.ready_pattern", server.DefaultReadyPattern)

	v.SetDefault("backup.compression", DefaultCompression)
	v.SetDefault("backup.settle_delay", DefaultSettleDelay)
	v.SetDefault("backup.save_command", DefaultSaveCommand)
	v.SetDefault("backup.saved_pattern", DefaultSavedPattern)
}

// Normalize fills zero-valued fields with defaults, derives dependent
// paths and validates patterns, codec and schedule. Load calls it;
// hand-built configs go through it in craftd.New.
func (c *FileConfig) Normalize() error {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.TrashDir == "" {
		c.TrashDir = filepath.Join(c.DataDir, "trash")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backups")
	}
	if c.FileOps.Workers == 0 {
		c.FileOps.Workers = DefaultFileOpsWorkers
	}
	if c.FileOps.Workers < 0 {
		return fmt.Errorf("%w: fileops workers must be positive", server.ErrInvalidConfig)
	}
	if c.Console.Lines == 0 {
		c.Console.Lines = DefaultConsoleLines
	}
	if c.Console.Lines < 0 {
		return fmt.Errorf("%w: console lines must be positive", server.ErrInvalidConfig)
	}
	if _, err := compress.ByName(c.Backup.Compression); err != nil {
		return fmt.Errorf("%w: backup compression: %v", server.ErrInvalidConfig, err)
	}
	if _, err := regexp.Compile(c.Backup.SavedPattern); err != nil {
		return fmt.Errorf("%w: backup saved_pattern: %v", server.ErrInvalidConfig, err)
	}
	if _, err := regexp.Compile(c.Launch.ReadyPattern); err != nil {
		return fmt.Errorf("%w: launch ready_pattern: %v", server.ErrInvalidConfig, err)
	}
	if c.Backup.Schedule != "" {
		if _, err := scheduleParser.Parse(c.Backup.Schedule); err != nil {
			return fmt.Errorf("%w: backup schedule %q: %v", server.ErrInvalidConfig, c.Backup.Schedule, err)
		}
	}
	if c.Metrics.TLS.Enabled {
		if c.Metrics.TLS.CertFile == "" && c.Metrics.TLS.Dir == "" {
			c.Metrics.TLS.Dir = filepath.Join(c.DataDir, "tls")
		}
		if err := c.Metrics.TLS.Validate(); err != nil {
			return fmt.Errorf("%w: metrics tls: %v", server.ErrInvalidConfig, err)
		}
	}

	seen := make(map[string]int, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		// Registration lowercases ids; do it here too so derived paths
		// and duplicate detection agree with the registry.
		s.ID = strings.ToLower(strings.TrimSpace(s.ID))
		if s.ID == "" {
			return fmt.Errorf("%w: servers[%d] has no id", server.ErrInvalidConfig, i)
		}
		if prev, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate server id %q (entries %d and %d)", server.ErrInvalidConfig, s.ID, prev, i)
		}
		seen[s.ID] = i
		if s.Dir == "" {
			s.Dir = filepath.Join(c.DataDir, "servers", s.ID)
		}
		c.applyLaunchDefaults(s)
		if s.ReadyPattern != "" {
			if _, err := regexp.Compile(s.ReadyPattern); err != nil {
				return fmt.Errorf("%w: server %s ready_pattern: %v", server.ErrInvalidConfig, s.ID, err)
			}
		}
	}
	return nil
}

// applyLaunchDefaults fills zero-valued launch fields from the fleet
// defaults, mirroring how the global log config layers under each
// server. Explicit empty lists stay empty.
func (c *FileConfig) applyLaunchDefaults(s *server.Config) {
	d := c.Launch
	if s.Launch.JavaPath == "" {
		s.Launch.JavaPath = d.JavaPath
	}
	if s.Launch.JavaOptions == nil {
		s.Launch.JavaOptions = append([]string(nil), d.JavaOptions...)
	}
	if s.Launch.ServerOptions == nil {
		s.Launch.ServerOptions = append([]string(nil), d.ServerOptions...)
	}
	if s.Launch.MinHeapMB == 0 {
		s.Launch.MinHeapMB = d.MinHeapMB
	}
	if s.Launch.MaxHeapMB == 0 {
		s.Launch.MaxHeapMB = d.MaxHeapMB
	}
	if d.SkipMemoryCheck {
		s.Launch.SkipMemoryCheck = true
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = d.ShutdownTimeout
	}
	if s.ReadyTimeout == 0 {
		s.ReadyTimeout = d.ReadyTimeout
	}
	if s.ReadyPattern == "" {
		s.ReadyPattern = d.ReadyPattern
	}
}

// FleetEnv collects fleet-wide variables: env_files in listed order,
// then inline env entries, later sources winning.
func (c *FileConfig) FleetEnv() (env.Var, error) {
	out := make(env.Var)
	for _, f := range c.EnvFiles {
		if err := loadEnvFile(f, out); err != nil {
			return nil, err
		}
	}
	for i, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: env[%d] %q is not KEY=VALUE", server.ErrInvalidConfig, i, kv)
		}
		out[k] = v
	}
	return out, nil
}

// Environment builds the env composer for launched servers: the host
// environment as the base when use_os_env is set, overlaid with the
// fleet variables from FleetEnv.
func (c *FileConfig) Environment() (*env.Env, error) {
	vars, err := c.FleetEnv()
	if err != nil {
		return nil, err
	}
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.ClearBase()
	}
	for k, v := range vars {
		e.Set(k, v)
	}
	return e, nil
}

// loadEnvFile parses KEY=VALUE lines into dst. Blank lines and lines
// starting with # are skipped.
func loadEnvFile(path string, dst env.Var) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: env file %s line %d is not KEY=VALUE", server.ErrInvalidConfig, path, line)
		}
		dst[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}
