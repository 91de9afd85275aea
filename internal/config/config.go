// Package config handles feedsync configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/remote"
	"github.com/tunjid/heron-sub003/internal/tiling"
	"github.com/tunjid/heron-sub003/internal/writequeue"
)

// Config is the root configuration structure for feedsync.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Remote is the server feeds are fetched from and mutations sent to.
	Remote RemoteConfig `yaml:"remote" mapstructure:"remote"`

	// Tiling settings shared by every feed.
	Tiling TilingConfig `yaml:"tiling" mapstructure:"tiling"`

	// WriteQueue settings
	WriteQueue WriteQueueConfig `yaml:"write_queue" mapstructure:"write_queue"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where feedsync stores its data (default: ~/.local/share/feedsync).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/feedsync).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`

	// Viewer is the account feeds are read as and mutations authored by.
	Viewer string `yaml:"viewer" mapstructure:"viewer"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (auto, json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path. Files are rotated by size.
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// RemoteConfig contains remote connection settings.
type RemoteConfig struct {
	// Addr is the host:port of the remote server.
	Addr string `yaml:"addr" mapstructure:"addr"`

	// DialTimeout bounds how long to wait for the connection to be ready.
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// RequestTimeout applies to calls without a deadline of their own.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// TilingConfig contains pagination settings.
type TilingConfig struct {
	// PageSize is the number of items per page.
	PageSize int `yaml:"page_size" mapstructure:"page_size"`

	// PrefetchAhead and PrefetchBehind are the pages kept resident past the
	// visible ones.
	PrefetchAhead  int `yaml:"prefetch_ahead" mapstructure:"prefetch_ahead"`
	PrefetchBehind int `yaml:"prefetch_behind" mapstructure:"prefetch_behind"`

	// AnchorTolerance is how far two anchors may drift and still address
	// the same page.
	AnchorTolerance time.Duration `yaml:"anchor_tolerance" mapstructure:"anchor_tolerance"`

	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	FetchRetries int           `yaml:"fetch_retries" mapstructure:"fetch_retries"`
	FetchBackoff time.Duration `yaml:"fetch_backoff" mapstructure:"fetch_backoff"`
}

// WriteQueueConfig contains write queue settings.
type WriteQueueConfig struct {
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff     time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" mapstructure:"delivery_timeout"`

	// SubmitRate is submits per second; 0 disables throttling.
	SubmitRate  float64 `yaml:"submit_rate" mapstructure:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst" mapstructure:"submit_burst"`

	// MaxPending bounds the number of queued keys; 0 is unbounded.
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	logCfg := logging.DefaultConfig()
	dbCfg := db.DefaultConfig("")
	remoteCfg := remote.DefaultClientConfig()
	engineCfg := tiling.DefaultEngineConfig()
	queueCfg := writequeue.DefaultConfig()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "feedsync"),
			ConfigDir: filepath.Join(homeDir, ".config", "feedsync"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/feedsync.db
			MaxConnections: dbCfg.MaxConnections,
			BusyTimeoutMs:  dbCfg.BusyTimeoutMs,
		},
		Logging: LoggingConfig{
			Level:      logCfg.Level,
			Format:     logCfg.Format,
			MaxSizeMB:  logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAgeDays: logCfg.MaxAgeDays,
		},
		Remote: RemoteConfig{
			Addr:           remoteCfg.Addr,
			DialTimeout:    remoteCfg.DialTimeout,
			RequestTimeout: remoteCfg.RequestTimeout,
		},
		Tiling: TilingConfig{
			PageSize:        cursor.DefaultLimit,
			PrefetchAhead:   engineCfg.PrefetchAhead,
			PrefetchBehind:  engineCfg.PrefetchBehind,
			AnchorTolerance: engineCfg.AnchorTolerance,
			FetchTimeout:    engineCfg.FetchTimeout,
			FetchRetries:    engineCfg.FetchRetries,
			FetchBackoff:    engineCfg.FetchBackoff,
		},
		WriteQueue: WriteQueueConfig{
			Workers:         queueCfg.Workers,
			MaxAttempts:     queueCfg.MaxAttempts,
			BaseBackoff:     queueCfg.BaseBackoff,
			MaxBackoff:      queueCfg.MaxBackoff,
			DeliveryTimeout: queueCfg.DeliveryTimeout,
			SubmitRate:      queueCfg.SubmitRate,
			SubmitBurst:     queueCfg.SubmitBurst,
			MaxPending:      queueCfg.MaxPending,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	switch c.Logging.Format {
	case "auto", "json", "console", "text":
	default:
		return fmt.Errorf("logging.format must be one of auto, json, console")
	}

	if c.Remote.Addr == "" {
		return fmt.Errorf("remote.addr is required")
	}

	if c.Tiling.PageSize < 1 {
		return fmt.Errorf("tiling.page_size must be at least 1")
	}
	if c.Tiling.PrefetchAhead < 0 || c.Tiling.PrefetchBehind < 0 {
		return fmt.Errorf("tiling.prefetch_ahead and tiling.prefetch_behind must not be negative")
	}

	if c.WriteQueue.Workers < 1 {
		return fmt.Errorf("write_queue.workers must be at least 1")
	}
	if c.WriteQueue.MaxAttempts < 1 {
		return fmt.Errorf("write_queue.max_attempts must be at least 1")
	}
	if c.WriteQueue.BaseBackoff < 10*time.Millisecond {
		return fmt.Errorf("write_queue.base_backoff must be at least 10ms")
	}
	if c.WriteQueue.MaxBackoff < c.WriteQueue.BaseBackoff {
		return fmt.Errorf("write_queue.max_backoff must not be below write_queue.base_backoff")
	}
	if c.WriteQueue.SubmitRate < 0 {
		return fmt.Errorf("write_queue.submit_rate must not be negative")
	}
	if c.WriteQueue.MaxPending < 0 {
		return fmt.Errorf("write_queue.max_pending must not be negative")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "feedsync.db")
}

// DBConfig returns the connection settings for db.Open.
func (c *Config) DBConfig() db.Config {
	return db.Config{
		Path:           c.DatabasePath(),
		MaxConnections: c.Database.MaxConnections,
		BusyTimeoutMs:  c.Database.BusyTimeoutMs,
	}
}

// LoggingConfig returns the settings for logging.Init.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	cfg.File = c.Logging.File
	cfg.MaxSizeMB = c.Logging.MaxSizeMB
	cfg.MaxBackups = c.Logging.MaxBackups
	cfg.MaxAgeDays = c.Logging.MaxAgeDays
	cfg.EnableCaller = c.Logging.EnableCaller
	return cfg
}

// ClientConfig returns the settings for remote.Dial.
func (c *Config) ClientConfig() remote.ClientConfig {
	return remote.ClientConfig{
		Addr:           c.Remote.Addr,
		DialTimeout:    c.Remote.DialTimeout,
		RequestTimeout: c.Remote.RequestTimeout,
	}
}

// EngineConfig returns tiling engine settings for the named feed.
func (c *Config) EngineConfig(feed string) tiling.EngineConfig {
	cfg := tiling.DefaultEngineConfig()
	cfg.Name = feed
	cfg.PrefetchAhead = c.Tiling.PrefetchAhead
	cfg.PrefetchBehind = c.Tiling.PrefetchBehind
	cfg.AnchorTolerance = c.Tiling.AnchorTolerance
	cfg.FetchTimeout = c.Tiling.FetchTimeout
	cfg.FetchRetries = c.Tiling.FetchRetries
	cfg.FetchBackoff = c.Tiling.FetchBackoff
	return cfg
}

// QueueConfig returns the write queue settings.
func (c *Config) QueueConfig() writequeue.Config {
	cfg := writequeue.DefaultConfig()
	cfg.Workers = c.WriteQueue.Workers
	cfg.MaxAttempts = c.WriteQueue.MaxAttempts
	cfg.BaseBackoff = c.WriteQueue.BaseBackoff
	cfg.MaxBackoff = c.WriteQueue.MaxBackoff
	cfg.DeliveryTimeout = c.WriteQueue.DeliveryTimeout
	cfg.SubmitRate = c.WriteQueue.SubmitRate
	cfg.SubmitBurst = c.WriteQueue.SubmitBurst
	cfg.MaxPending = c.WriteQueue.MaxPending
	return cfg
}
