// Package config provides YAML-based configuration loading for batchd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the server instance
	AppName string `mapstructure:"app_name"`

	// HTTPAddr is the listen address of the HTTP front end
	HTTPAddr string `mapstructure:"http_addr"`

	// SocketAddr is the listen address of the framed socket front end;
	// empty disables it
	SocketAddr string `mapstructure:"socket_addr"`

	// Pool holds worker pool settings
	Pool PoolConfig `mapstructure:"pool"`

	// Store holds batch store settings
	Store StoreConfig `mapstructure:"store"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// PoolConfig sizes the worker pool and its input queue.
type PoolConfig struct {
	// Workers is the fixed number of concurrent executors
	Workers int `mapstructure:"workers"`
	// QueueDepth bounds the shared input queue
	QueueDepth int `mapstructure:"queue_depth"`
}

// StoreConfig controls result retention and fetch limits.
type StoreConfig struct {
	// RetentionMS is how long finished, unfetched batches are kept
	RetentionMS int `mapstructure:"retention_ms"`
	// MaxFetchWaitMS caps the server-side fetch wait
	MaxFetchWaitMS int `mapstructure:"max_fetch_wait_ms"`
	// MaxBatchItems caps the size of one submitted batch
	MaxBatchItems int `mapstructure:"max_batch_items"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:  "batchd",
		HTTPAddr: ":8700",
		Pool: PoolConfig{
			Workers:    runtime.NumCPU(),
			QueueDepth: 1024,
		},
		Store: StoreConfig{
			RetentionMS:    600_000,
			MaxFetchWaitMS: 60_000,
			MaxBatchItems:  10_000,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/batchd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix BATCHD and `.`/`-` are replaced with
// `_`. Example: BATCHD_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("socket_addr", cfg.SocketAddr)
	v.SetDefault("pool.workers", cfg.Pool.Workers)
	v.SetDefault("pool.queue_depth", cfg.Pool.QueueDepth)
	v.SetDefault("store.retention_ms", cfg.Store.RetentionMS)
	v.SetDefault("store.max_fetch_wait_ms", cfg.Store.MaxFetchWaitMS)
	v.SetDefault("store.max_batch_items", cfg.Store.MaxBatchItems)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("BATCHD_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `batchd`
		v.SetConfigName("batchd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".batchd"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http_addr must be set")
	}
	if c.Pool.Workers <= 0 {
		c.Pool.Workers = runtime.NumCPU()
	}
	if c.Pool.QueueDepth <= 0 {
		c.Pool.QueueDepth = 1024
	}
	if c.Store.RetentionMS <= 0 {
		return fmt.Errorf("store.retention_ms must be positive, got %d", c.Store.RetentionMS)
	}
	if c.Store.MaxFetchWaitMS <= 0 {
		return fmt.Errorf("store.max_fetch_wait_ms must be positive, got %d", c.Store.MaxFetchWaitMS)
	}
	if c.Store.MaxBatchItems <= 0 {
		return fmt.Errorf("store.max_batch_items must be positive, got %d", c.Store.MaxBatchItems)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
