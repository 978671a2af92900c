package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/slotr/internal/env"
	"github.com/loykin/slotr/internal/logger"
	"github.com/loykin/slotr/internal/logstore"
	"github.com/loykin/slotr/internal/manager"
	"github.com/loykin/slotr/internal/process"
	"github.com/loykin/slotr/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. SLOTR_SERVER_LISTEN.
const EnvPrefix = "SLOTR"

// DefaultSlots are used when the file defines no [[slots]].
var DefaultSlots = []string{"rclone", "terminal"}

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`

	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Logs    LogsConfig    `toml:"logs" mapstructure:"logs"`
	Runner  RunnerConfig  `toml:"runner" mapstructure:"runner"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Slots   []SlotConfig  `toml:"slots" mapstructure:"slots"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// BasicAuth is enabled when Username is set.
	Username        string        `toml:"username" mapstructure:"username"`
	Password        string        `toml:"password" mapstructure:"password"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             tls.Config    `toml:"tls" mapstructure:"tls"`
}

// LogsConfig configures the captured output store.
type LogsConfig struct {
	Dir      string `toml:"dir" mapstructure:"dir"`
	MaxLines int    `toml:"max_lines" mapstructure:"max_lines"`
	MaxBytes int64  `toml:"max_bytes" mapstructure:"max_bytes"`
}

type RunnerConfig struct {
	GracePeriod   time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	UsageInterval time.Duration `toml:"usage_interval" mapstructure:"usage_interval"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	// Sinks are DSNs understood by the history factory.
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

// SlotConfig overrides per-slot settings. Zero caps inherit [logs].
type SlotConfig struct {
	Name     string   `toml:"name" mapstructure:"name"`
	WorkDir  string   `toml:"workdir" mapstructure:"workdir"`
	Env      []string `toml:"env" mapstructure:"env"`
	MaxLines int      `toml:"max_lines" mapstructure:"max_lines"`
	MaxBytes int64    `toml:"max_bytes" mapstructure:"max_bytes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":5000")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.username", "")
	v.SetDefault("server.password", "")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.quiet", false)
	v.SetDefault("log.file.path", "")

	v.SetDefault("logs.dir", "logs")
	v.SetDefault("logs.max_lines", logstore.DefaultMaxLines)
	v.SetDefault("logs.max_bytes", logstore.DefaultMaxBytes)

	v.SetDefault("runner.grace_period", process.DefaultGracePeriod.String())
	v.SetDefault("runner.usage_interval", "15s")

	v.SetDefault("store.dsn", "sqlite://slotr.db")
}

// Load reads the TOML file at path, applying defaults and SLOTR_* overrides.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Slots) == 0 {
		for _, n := range DefaultSlots {
			cfg.Slots = append(cfg.Slots, SlotConfig{Name: n})
		}
	}
	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths makes env_files and TLS paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	rel := func(p string) string {
		if p != "" && !filepath.IsAbs(p) {
			return filepath.Join(base, p)
		}
		return p
	}
	for i, p := range c.EnvFiles {
		c.EnvFiles[i] = rel(p)
	}
	c.Server.TLS.CertFile = rel(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = rel(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = rel(c.Server.TLS.Dir)
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Logs.Dir) == "" {
		errs = append(errs, errors.New("logs.dir is required"))
	}
	if c.Logs.MaxLines < 0 || c.Logs.MaxBytes < 0 {
		errs = append(errs, errors.New("logs caps must not be negative"))
	}
	if c.Runner.GracePeriod < 0 {
		errs = append(errs, errors.New("runner.grace_period must not be negative"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Server.Username != "" && c.Server.Password == "" {
		errs = append(errs, errors.New("server.password is required when server.username is set"))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file must be set together"))
	}
	if t := c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		errs = append(errs, errors.New("server.tls: cert_file/key_file or dir is required"))
	}
	seen := make(map[string]bool, len(c.Slots))
	for i, s := range c.Slots {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("slots[%d] requires name", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate slot %q", s.Name))
		}
		seen[s.Name] = true
		if s.MaxLines < 0 || s.MaxBytes < 0 {
			errs = append(errs, fmt.Errorf("slot %s: caps must not be negative", s.Name))
		}
	}
	return errors.Join(errs...)
}

// LogLimits returns the store-wide caps.
func (c *Config) LogLimits() logstore.Limits {
	return logstore.Limits{MaxLines: c.Logs.MaxLines, MaxBytes: c.Logs.MaxBytes}
}

// ManagerSlots converts [[slots]] for the manager.
func (c *Config) ManagerSlots() []manager.SlotConfig {
	out := make([]manager.SlotConfig, 0, len(c.Slots))
	for _, s := range c.Slots {
		out = append(out, manager.SlotConfig{
			Name:    s.Name,
			WorkDir: s.WorkDir,
			Env:     s.Env,
			Limits:  logstore.Limits{MaxLines: s.MaxLines, MaxBytes: s.MaxBytes},
		})
	}
	return out
}

// GlobalEnv builds the child environment base.
// Precedence: OS env, then env_files in order, then the top-level env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	e.FromOS()
	e, err := e.WithFiles(c.EnvFiles...)
	if err != nil {
		return nil, err
	}
	return e.WithKVs(c.Env), nil
}
