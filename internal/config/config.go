// Package config loads lifesync settings.
//
// Settings come from, in increasing precedence: built-in defaults, a TOML
// or YAML config file, LIFESYNC_* environment variables and command-line
// flags bound by the caller. Nested keys map to environment variables by
// replacing "." with "_", so remote.url is LIFESYNC_REMOTE_URL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Remote backends.
const (
	BackendMemory   = "memory"
	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIFESYNC"

// Config is the full set of settings.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" toml:"data_dir"`
	Remote    RemoteConfig    `mapstructure:"remote" toml:"remote"`
	Session   SessionConfig   `mapstructure:"session" toml:"session"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Backend     string        `mapstructure:"backend" toml:"backend"`
	URL         string        `mapstructure:"url" toml:"url"`
	APIKey      string        `mapstructure:"api_key" toml:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" toml:"timeout"`
	PostgresDSN string        `mapstructure:"postgres_dsn" toml:"postgres_dsn"`
}

// SessionConfig locates the session file and the auth endpoints.
type SessionConfig struct {
	File           string `mapstructure:"file" toml:"file"`
	RefreshURL     string `mapstructure:"refresh_url" toml:"refresh_url"`
	UserURL        string `mapstructure:"user_url" toml:"user_url"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous" toml:"allow_anonymous"`
}

// SyncConfig tunes the queue and the daemon.
type SyncConfig struct {
	MaxRetries         int           `mapstructure:"max_retries" toml:"max_retries"`
	ForegroundInterval time.Duration `mapstructure:"foreground_interval" toml:"foreground_interval"`
	Debounce           time.Duration `mapstructure:"debounce" toml:"debounce"`
}

// DashboardConfig configures the status server.
type DashboardConfig struct {
	Port int `mapstructure:"port" toml:"port"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// DefaultDir returns the default config and data directory.
func DefaultDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "lifesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "lifesync")
	}
	return ".lifesync"
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

// Default returns the built-in settings.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		DataDir: dir,
		Remote: RemoteConfig{
			Backend: BackendMemory,
			Timeout: 15 * time.Second,
		},
		Session: SessionConfig{
			File: filepath.Join(dir, "session.json"),
		},
		Sync: SyncConfig{
			MaxRetries:         3,
			ForegroundInterval: 30 * time.Second,
			Debounce:           250 * time.Millisecond,
		},
		Dashboard: DashboardConfig{Port: 7420},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("remote.backend", c.Remote.Backend)
	v.SetDefault("remote.url", c.Remote.URL)
	v.SetDefault("remote.api_key", c.Remote.APIKey)
	v.SetDefault("remote.timeout", c.Remote.Timeout)
	v.SetDefault("remote.postgres_dsn", c.Remote.PostgresDSN)
	v.SetDefault("session.file", c.Session.File)
	v.SetDefault("session.refresh_url", c.Session.RefreshURL)
	v.SetDefault("session.user_url", c.Session.UserURL)
	v.SetDefault("session.allow_anonymous", c.Session.AllowAnonymous)
	v.SetDefault("sync.max_retries", c.Sync.MaxRetries)
	v.SetDefault("sync.foreground_interval", c.Sync.ForegroundInterval)
	v.SetDefault("sync.debounce", c.Sync.Debounce)
	v.SetDefault("dashboard.port", c.Dashboard.Port)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("log.max_size_mb", c.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", c.Log.MaxBackups)
	v.SetDefault("log.max_age_days", c.Log.MaxAgeDays)
	v.SetDefault("log.compress", c.Log.Compress)
}

// NewViper returns a viper instance carrying the defaults and the
// environment binding. Callers bind flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path into v and decodes the result.
// An empty path tries DefaultPath; a missing default file is not an error,
// a missing explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		_, statErr := os.Stat(path)
		if explicit || !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Session.File = expandHome(cfg.Session.File)
	cfg.Log.File = expandHome(cfg.Log.File)
	return &cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendMemory:
	case BackendREST:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the %s backend", BackendREST)
		}
	case BackendPostgres:
		if c.Remote.PostgresDSN == "" {
			return fmt.Errorf("remote.postgres_dsn is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown remote.backend %q (want %s, %s or %s)",
			c.Remote.Backend, BackendMemory, BackendREST, BackendPostgres)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.ForegroundInterval <= 0 {
		return fmt.Errorf("sync.foreground_interval must be positive, got %s", c.Sync.ForegroundInterval)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// CachePath is the SQLite cache file inside DataDir.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// fileConfig mirrors Config with durations as strings, which is how
// viper reads them back.
type fileConfig struct {
	DataDir string `toml:"data_dir"`
	Remote  struct {
		Backend     string `toml:"backend"`
		URL         string `toml:"url"`
		Timeout     string `toml:"timeout"`
		PostgresDSN string `toml:"postgres_dsn"`
	} `toml:"remote"`
	Session SessionConfig `toml:"session"`
	Sync    struct {
		MaxRetries         int    `toml:"max_retries"`
		ForegroundInterval string `toml:"foreground_interval"`
		Debounce           string `toml:"debounce"`
	} `toml:"sync"`
	Dashboard DashboardConfig `toml:"dashboard"`
	Log       LogConfig       `toml:"log"`
}

// WriteDefault writes the built-in settings to path as TOML. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	d := Default()
	var fc fileConfig
	fc.DataDir = d.DataDir
	fc.Remote.Backend = d.Remote.Backend
	fc.Remote.Timeout = d.Remote.Timeout.String()
	fc.Session = d.Session
	fc.Sync.MaxRetries = d.Sync.MaxRetries
	fc.Sync.ForegroundInterval = d.Sync.ForegroundInterval.String()
	fc.Sync.Debounce = d.Sync.Debounce.String()
	fc.Dashboard = d.Dashboard
	fc.Log = d.Log

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
