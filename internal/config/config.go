// Package config loads the supervisor's settings from a TOML, YAML or JSON
// file, SIDECAR_* environment variables and built-in defaults, in that order
// of precedence from highest to lowest: env, file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/ports"
	"github.com/loykin/sidecar/internal/process"
)

// EnvPrefix is prepended to every environment override, e.g. SIDECAR_BACKEND_NAME.
const EnvPrefix = "SIDECAR"

// Config is the top-level file structure.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Backend BackendConfig `mapstructure:"backend"`
	Ports   PortsConfig   `mapstructure:"ports"`
	Health  health.Config `mapstructure:"health"`
	Log     LogConfig     `mapstructure:"log"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
	Watch   WatchConfig   `mapstructure:"watch"`
}

type BackendConfig struct {
	Name          string        `mapstructure:"name"`
	ResourcesDir  string        `mapstructure:"resources_dir"`
	Args          []string      `mapstructure:"args"`
	ModulePathVar string        `mapstructure:"module_path_var"`
	Env           []string      `mapstructure:"env"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
}

// PortsConfig lists the ports reclaimed before launch. DevServer 0 disables
// the second reclaim.
type PortsConfig struct {
	API       int    `mapstructure:"api"`
	DevServer int    `mapstructure:"dev_server"`
	Pattern   string `mapstructure:"pattern"`
	Finder    string `mapstructure:"finder"`
}

// List returns the configured ports, API first.
func (p PortsConfig) List() []int {
	out := []int{p.API}
	if p.DevServer > 0 && p.DevServer != p.API {
		out = append(out, p.DevServer)
	}
	return out
}

// LogConfig is the diagnostic log shared with the desktop shell.
type LogConfig struct {
	Path      string        `mapstructure:"path"`
	MaxSizeMB int           `mapstructure:"max_size_mb"`
	Retention time.Duration `mapstructure:"retention"`
	Echo      bool          `mapstructure:"echo"`

	// SweepSchedule is an optional cron spec re-running the retention sweep;
	// empty means the sweep runs at startup only.
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// LoggingConfig is the supervisor's own structured log.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// HistoryConfig holds one DSN per journal sink; see history/factory.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("backend.name", process.DefaultName)
	v.SetDefault("backend.resources_dir", defaultResourcesDir())
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.module_path_var", process.DefaultModulePathVar)
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.grace_period", process.DefaultGracePeriod)

	v.SetDefault("ports.api", 8001)
	v.SetDefault("ports.dev_server", 3000)
	v.SetDefault("ports.pattern", ports.DefaultPattern)
	v.SetDefault("ports.finder", ports.FinderAuto)

	// empty: derived from ports.api after decoding
	v.SetDefault("health.url", "")
	v.SetDefault("health.max_attempts", health.DefaultMaxAttempts)
	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.timeout", health.DefaultTimeout)

	v.SetDefault("log.path", logger.DefaultPath())
	v.SetDefault("log.max_size_mb", int(logger.DefaultMaxSize/(1024*1024)))
	v.SetDefault("log.retention", logger.DefaultRetention)
	v.SetDefault("log.echo", true)
	v.SetDefault("log.sweep_schedule", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("logging.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("logging.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("logging.compress", false)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("history.sinks", []string{})

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", 500*time.Millisecond)
}

// defaultResourcesDir is the directory holding the supervisor binary, which is
// where a packaged desktop app keeps its resources.
func defaultResourcesDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Load reads path (optional) and applies env overrides and defaults.
// The file type is taken from the extension; files without one are read as TOML.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Health.URL == "" {
		c.Health.URL = health.URLForPort(c.Ports.API)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Spec().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if c.Backend.GracePeriod < 0 {
		errs = append(errs, errors.New("backend.grace_period must not be negative"))
	}
	if c.Ports.API <= 0 || c.Ports.API > 65535 {
		errs = append(errs, fmt.Errorf("ports.api %d out of range", c.Ports.API))
	}
	if c.Ports.DevServer < 0 || c.Ports.DevServer > 65535 {
		errs = append(errs, fmt.Errorf("ports.dev_server %d out of range", c.Ports.DevServer))
	}
	if _, err := ports.CompilePattern(c.Ports.Pattern); err != nil {
		errs = append(errs, fmt.Errorf("ports.pattern: %w", err))
	}
	switch c.Ports.Finder {
	case "", ports.FinderAuto, ports.FinderGopsutil, ports.FinderLsof:
	default:
		errs = append(errs, fmt.Errorf("ports.finder: unknown finder %q", c.Ports.Finder))
	}
	if c.Health.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("health.max_attempts must be positive, got %d", c.Health.MaxAttempts))
	}
	if c.Health.Interval < 0 || c.Health.Timeout < 0 {
		errs = append(errs, errors.New("health intervals must not be negative"))
	}
	if c.Health.URL == "" {
		errs = append(errs, errors.New("health.url is required"))
	}
	if c.Log.MaxSizeMB < 0 || c.Log.Retention < 0 {
		errs = append(errs, errors.New("log limits must not be negative"))
	}
	if c.Log.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Log.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("log.sweep_schedule: %w", err))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, errors.New("watch.debounce must not be negative"))
	}
	return errors.Join(errs...)
}

// Spec maps the backend section onto a process.Spec.
func (c *Config) Spec() process.Spec {
	return process.Spec{
		Name:          c.Backend.Name,
		ResourcesDir:  c.Backend.ResourcesDir,
		Args:          c.Backend.Args,
		ModulePathVar: c.Backend.ModulePathVar,
		Env:           c.Backend.Env,
		GracePeriod:   c.Backend.GracePeriod,
	}
}

// SinkConfig maps the log section onto the diagnostic log settings.
func (c *Config) SinkConfig() logger.SinkConfig {
	sc := logger.SinkConfig{
		Path:      c.Log.Path,
		MaxSize:   int64(c.Log.MaxSizeMB) * 1024 * 1024,
		Retention: c.Log.Retention,
	}
	if c.Log.Echo {
		sc.Console = os.Stdout
	}
	return sc
}

// LoggerConfig maps the logging section onto the daemon log settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File: logger.FileConfig{
			Path:       c.Logging.File,
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
			MaxAgeDays: c.Logging.MaxAgeDays,
			Compress:   c.Logging.Compress,
		},
	}
}

// Environment builds the backend's environment base and global overlay:
// the OS environment when use_os_env is set, then env_files in order, then env.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.FromList(nil)
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
