// Package config loads colfexpress settings from a config file, the
// environment and an optional .env file, and hot-reloads the file.
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/logging"
)

// EnvPrefix prefixes environment overrides: COLFEXPRESS_SYNC_INTERVAL
// overrides sync.interval.
const EnvPrefix = "COLFEXPRESS"

// Config is the complete runtime configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Log          LogConfig          `mapstructure:"log"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Authority    AuthorityConfig    `mapstructure:"authority"`
	Sync         SyncConfig         `mapstructure:"sync"`
	EventLog     EventLogConfig     `mapstructure:"eventlog"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// GatewayConfig controls the local HTTP gateway.
type GatewayConfig struct {
	Addr string `mapstructure:"addr"`
}

// CacheConfig controls the tiered cache router.
type CacheConfig struct {
	Manifest     string        `mapstructure:"manifest"` // empty uses the built-in manifest
	Origin       string        `mapstructure:"origin"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
	Bypass       bool          `mapstructure:"bypass"`
}

// ConnectivityConfig controls the connectivity prober.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"` // empty probes the authority health endpoint
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ForceOffline  bool          `mapstructure:"force_offline"`
}

// AuthorityConfig locates the remote record authority.
type AuthorityConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Addr    string        `mapstructure:"addr"` // listen address of `colfexpress authority`
}

// SyncConfig controls reconciliation.
type SyncConfig struct {
	Strategy      string        `mapstructure:"strategy"` // auto, background, immediate
	PhaseTimeout  time.Duration `mapstructure:"phase_timeout"`
	Interval      time.Duration `mapstructure:"interval"`
	QueueInterval time.Duration `mapstructure:"queue_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

// EventLogConfig controls event log retention.
type EventLogConfig struct {
	MaxEntries int `mapstructure:"max_entries"` // 0 keeps every entry
}

var defaults = map[string]interface{}{
	"data_dir":                    "./data",
	"log.level":                   "info",
	"log.file":                    "",
	"log.max_size_mb":             10,
	"log.max_backups":             3,
	"log.max_age_days":            28,
	"gateway.addr":                "localhost:8090",
	"cache.manifest":              "",
	"cache.origin":                "http://localhost:8080",
	"cache.fetch_timeout":         5 * time.Second,
	"cache.concurrency":           8,
	"cache.bypass":                false,
	"connectivity.probe_url":      "",
	"connectivity.probe_interval": 15 * time.Second,
	"connectivity.probe_timeout":  3 * time.Second,
	"connectivity.force_offline":  false,
	"authority.url":               "http://localhost:8091",
	"authority.timeout":           30 * time.Second,
	"authority.addr":              "localhost:8091",
	"sync.strategy":               "auto",
	"sync.phase_timeout":          30 * time.Second,
	"sync.interval":               15 * time.Minute,
	"sync.queue_interval":         time.Minute,
	"sync.max_retries":            5,
	"sync.base_backoff":           time.Minute,
	"sync.max_backoff":            time.Hour,
	"eventlog.max_entries":        5000,
}

// Loader owns the viper instance and the current Config.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration. It does not log, so callers can set up logging
// from the result. path names an explicit config file; when empty,
// colfexpress.{yaml,toml,json} is looked up in the working directory and a
// missing file leaves the defaults in place. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Loader, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(errors.ErrConfig, "load .env", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("colfexpress")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrConfig, "read config", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, cfg: cfg}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the config file on change and passes every valid new
// Config to onChange. An invalid edit is logged and the previous Config
// stays current. Watch is a no-op without a config file.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(l.v)
		if err != nil {
			logging.Warn("config reload rejected", map[string]interface{}{"file": e.Name, "error": err.Error()})
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		logging.Info("config reloaded", map[string]interface{}{"file": e.Name, "op": e.Op.String()})
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// Validate checks value ranges and URLs.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.DataDir != "", "data_dir is required")
	check(c.Gateway.Addr != "", "gateway.addr is required")
	check(isAbsURL(c.Authority.URL), "authority.url %q must be an absolute URL", c.Authority.URL)
	check(c.Cache.Origin == "" || isAbsURL(c.Cache.Origin), "cache.origin %q must be an absolute URL", c.Cache.Origin)
	check(c.Connectivity.ProbeURL == "" || isAbsURL(c.Connectivity.ProbeURL),
		"connectivity.probe_url %q must be an absolute URL", c.Connectivity.ProbeURL)
	check(c.Cache.FetchTimeout > 0, "cache.fetch_timeout must be positive")
	check(c.Cache.Concurrency > 0, "cache.concurrency must be positive")
	check(c.Connectivity.ProbeInterval > 0, "connectivity.probe_interval must be positive")
	check(c.Connectivity.ProbeTimeout > 0, "connectivity.probe_timeout must be positive")
	check(c.Sync.PhaseTimeout > 0, "sync.phase_timeout must be positive")
	check(c.Sync.Interval > 0, "sync.interval must be positive")
	check(c.Sync.QueueInterval > 0, "sync.queue_interval must be positive")
	check(c.Sync.MaxRetries > 0, "sync.max_retries must be positive")
	check(c.Sync.BaseBackoff > 0 && c.Sync.MaxBackoff >= c.Sync.BaseBackoff,
		"sync.base_backoff must be positive and not exceed sync.max_backoff")
	check(c.EventLog.MaxEntries >= 0, "eventlog.max_entries must not be negative")

	switch c.Sync.Strategy {
	case "auto", "background", "immediate":
	default:
		problems = append(problems, fmt.Sprintf("sync.strategy %q must be auto, background or immediate", c.Sync.Strategy))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not a known level", c.Log.Level))
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ProbeURL returns the URL the connectivity prober checks.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return strings.TrimRight(c.Authority.URL, "/") + "/api/health"
}

// LogFile returns the rotating file sink settings.
func (c *Config) LogFile() logging.FileConfig {
	return logging.FileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func isAbsURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
