// Package config loads the OTA layer configuration from YAML with
// environment overrides. Missing files fall back to defaults so a bare
// binary starts with sane behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Velora-App/ota_layer/pkg/logger"
)

// Duration is a time.Duration that unmarshals from yaml strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Accepts duration strings and
// bare integers (nanoseconds).
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full OTA layer configuration.
type Config struct {
	Server  ServerConfig         `yaml:"server"`
	Loader  LoaderConfig         `yaml:"loader"`
	Storage StorageConfig        `yaml:"storage"`
	Push    PushConfig           `yaml:"push"`
	Watcher WatcherConfig        `yaml:"watcher"`
	Refresh RefreshConfig        `yaml:"refresh"`
	Logging logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the local control/debug HTTP surface.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	RatePerSecond  int      `yaml:"rate_per_second"`
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoaderConfig configures the session bundle loader.
type LoaderConfig struct {
	ServerURL     string        `yaml:"server_url"`
	SessionID     string        `yaml:"session_id"`
	Platform      string        `yaml:"platform"`
	PollInterval  Duration      `yaml:"poll_interval"`
	HistoryLimit  int           `yaml:"history_limit"`
	Enabled       *bool         `yaml:"enabled"`
	AutoReload    *bool         `yaml:"auto_reload"`
	ExecuteBundle *bool         `yaml:"execute_bundle"`
	AuthToken     string        `yaml:"auth_token"`
	FetchTimeout  Duration      `yaml:"fetch_timeout"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is one of memory, file, sqlite, postgres, redis.
	Backend string `yaml:"backend"`
	// Path is the data file for the file and sqlite backends.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// Addr and Password configure the redis backend.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PushConfig configures the optional websocket push assist.
type PushConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WatcherConfig configures the optional local bundle file watcher.
type WatcherConfig struct {
	Path string `yaml:"path"`
}

// RefreshConfig configures optional scheduled refresh windows.
type RefreshConfig struct {
	// Schedules are cron expressions; each firing triggers one bundle check.
	Schedules []string `yaml:"schedules"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8099",
			RatePerSecond: 20,
			RateBurst:     40,
		},
		Loader: LoaderConfig{
			Platform:     "ios",
			PollInterval: Duration(5 * time.Second),
			HistoryLimit: 10,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads config/ota.yaml relative to the working directory, falling
// back to defaults when the file is absent. Environment overrides apply in
// both cases.
func Load() (*Config, error) {
	cfg, err := LoadFromPath(filepath.Join("config", "ota.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			cfg = Default()
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads and validates a YAML config file, then applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the application cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "memory":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage backend %s requires path", c.Storage.Backend)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage backend postgres requires dsn")
		}
	case "redis":
		if c.Storage.Addr == "" {
			return fmt.Errorf("storage backend redis requires addr")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Loader.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	return nil
}

// applyEnv layers OTA_* environment variables over the loaded values so
// deployments can override yaml without editing files.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OTA_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OTA_SERVER_URL"); v != "" {
		cfg.Loader.ServerURL = v
	}
	if v := os.Getenv("OTA_SESSION_ID"); v != "" {
		cfg.Loader.SessionID = v
	}
	if v := os.Getenv("OTA_PLATFORM"); v != "" {
		cfg.Loader.Platform = v
	}
	if v := os.Getenv("OTA_AUTH_TOKEN"); v != "" {
		cfg.Loader.AuthToken = v
	}
	if v := os.Getenv("OTA_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loader.PollInterval = Duration(d)
		}
	}
	if v, ok := envBool("OTA_ENABLED"); ok {
		cfg.Loader.Enabled = &v
	}
	if v, ok := envBool("OTA_AUTO_RELOAD"); ok {
		cfg.Loader.AutoReload = &v
	}
	if v, ok := envBool("OTA_EXECUTE_BUNDLE"); ok {
		cfg.Loader.ExecuteBundle = &v
	}
	if v := os.Getenv("OTA_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("OTA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OTA_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("OTA_STORAGE_ADDR"); v != "" {
		cfg.Storage.Addr = v
	}
	if v, ok := envBool("OTA_PUSH_ENABLED"); ok {
		cfg.Push.Enabled = v
	}
	if v := os.Getenv("OTA_WATCH_PATH"); v != "" {
		cfg.Watcher.Path = v
	}
	if v := os.Getenv("OTA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OTA_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
