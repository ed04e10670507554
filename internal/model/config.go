package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SourceConfig holds the configuration for a single messaging source.
type SourceConfig struct {
	// Name is the service name of this source instance. It namespaces
	// message identity and cursors, so it must stay stable.
	Name string `mapstructure:"name" yaml:"name"`

	// Type identifies the adapter kind ("email" or "telegram").
	Type string `mapstructure:"type" yaml:"type"`

	// Enabled controls whether this source is actively polled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Config holds adapter-specific key-value settings
	// (e.g., IMAP host, sent mailbox, bot token credential key).
	Config map[string]string `mapstructure:"config" yaml:"config"`
}

// StorageConfig selects the SQL driver and data source.
type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is the database file path (sqlite) or connection URL (postgres).
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// DraftingConfig holds settings for the drafting service.
type DraftingConfig struct {
	Model             string `mapstructure:"model" yaml:"model"`
	MaxTokens         int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	TimeoutSec        int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	BaseURL           string `mapstructure:"base_url" yaml:"base_url"`
}

// ProcessingConfig controls the poll and process cycles.
type ProcessingConfig struct {
	// WindowSize is the number of recent messages per conversation
	// considered when drafting.
	WindowSize int `mapstructure:"window_size" yaml:"window_size"`

	// PollIntervalSec is how often (in seconds) sources are polled.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// ProcessIntervalSec is how often (in seconds) drafts are computed.
	ProcessIntervalSec int `mapstructure:"process_interval_sec" yaml:"process_interval_sec"`

	// FetchLimit caps the number of items requested per mailbox per poll.
	FetchLimit int `mapstructure:"fetch_limit" yaml:"fetch_limit"`

	// Concurrency caps concurrent drafting calls in one process cycle.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// AdapterTimeoutSec bounds each adapter fetch and reply call.
	AdapterTimeoutSec int `mapstructure:"adapter_timeout_sec" yaml:"adapter_timeout_sec"`

	// LookbackHours limits the process cycle to conversations with
	// activity in this many recent hours. Zero means no limit.
	LookbackHours int `mapstructure:"lookback_hours" yaml:"lookback_hours"`
}

// ServerConfig holds HTTP front-end settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NotifyConfig holds event publishing settings.
type NotifyConfig struct {
	// NATSURL enables NATS event publishing when non-empty.
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
}

// LockConfig selects the advisory lock backend.
type LockConfig struct {
	// RedisAddr enables Redis-backed locks when non-empty; otherwise
	// locks are process-local.
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	MediaDir   string           `mapstructure:"media_dir" yaml:"media_dir"`
	Sources    []SourceConfig   `mapstructure:"sources" yaml:"sources"`
	Drafting   DraftingConfig   `mapstructure:"drafting" yaml:"drafting"`
	Processing ProcessingConfig `mapstructure:"processing" yaml:"processing"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	SentryDSN  string           `mapstructure:"sentry_dsn" yaml:"sentry_dsn"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/messaging-manager/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "messaging-manager")
}

// SetDefaults registers default values for every configuration key on v.
func SetDefaults(v *viper.Viper) {
	dir := configDir()

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", filepath.Join(dir, "messages.db"))
	v.SetDefault("media_dir", filepath.Join(dir, "media"))
	v.SetDefault("drafting.model", "claude-sonnet-4-20250514")
	v.SetDefault("drafting.max_tokens", 1024)
	v.SetDefault("drafting.requests_per_minute", 30)
	v.SetDefault("drafting.timeout_sec", 60)
	v.SetDefault("processing.window_size", 25)
	v.SetDefault("processing.poll_interval_sec", 60)
	v.SetDefault("processing.process_interval_sec", 120)
	v.SetDefault("processing.fetch_limit", 100)
	v.SetDefault("processing.concurrency", 4)
	v.SetDefault("processing.adapter_timeout_sec", 30)
	v.SetDefault("processing.lookback_hours", 72)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
}

// LoadConfig reads configuration from the given YAML file path into v.
// Environment variables prefixed with MM_ override file values
// (e.g., MM_SERVER_ADDR). A missing file yields the defaults.
func LoadConfig(v *viper.Viper, path string) (*AppConfig, error) {
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Sources {
		if cfg.Sources[i].Name == "" {
			cfg.Sources[i].Name = cfg.Sources[i].Type
		}
		if !cfg.Sources[i].Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("sources.%d.enabled", i)
			if !v.IsSet(key) {
				cfg.Sources[i].Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("storage", cfg.Storage)
	v.Set("media_dir", cfg.MediaDir)
	v.Set("sources", cfg.Sources)
	v.Set("drafting", cfg.Drafting)
	v.Set("processing", cfg.Processing)
	v.Set("server", cfg.Server)
	v.Set("notify", cfg.Notify)
	v.Set("lock", cfg.Lock)
	v.Set("log", cfg.Log)
	v.Set("sentry_dsn", cfg.SentryDSN)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
