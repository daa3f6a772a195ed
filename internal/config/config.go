// Package config loads pynode configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// WorkerMode selects where worker runtimes run.
type WorkerMode string

const (
	WorkerInProcess WorkerMode = "inprocess"
	WorkerProcess   WorkerMode = "process"
)

// EngineConfig holds interpreter settings.
type EngineConfig struct {
	// BaseURL is where python.wasm is served from: an http(s) or file URL,
	// or a directory.
	BaseURL string `toml:"base_url"`
	// Asset overrides the interpreter file name.
	Asset string `toml:"asset"`
	// Memory is a limit such as "256mb". Empty means no limit.
	Memory string `toml:"memory"`
	// CacheDir holds compiled modules. "default" uses the user cache
	// directory; empty keeps the cache in memory.
	CacheDir    string        `toml:"cache_dir"`
	InitTimeout time.Duration `toml:"init_timeout"`
	// MaxAssetSize bounds the interpreter download in bytes. Zero means
	// the engine default.
	MaxAssetSize int64 `toml:"max_asset_size"`
	// Env is the environment visible to user programs.
	Env map[string]string `toml:"env"`
}

// WorkerConfig holds worker runtime settings.
type WorkerConfig struct {
	Mode WorkerMode `toml:"mode"`
}

// ServerConfig holds settings for `pynode serve`.
type ServerConfig struct {
	Addr        string        `toml:"addr"`
	SessionTTL  time.Duration `toml:"session_ttl"`
	MaxSessions int           `toml:"max_sessions"`
	// EngineDir, when set, is served under /engine/.
	EngineDir string `toml:"engine_dir"`
	MaxOutput int    `toml:"max_output"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct.
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	Worker  WorkerConfig  `toml:"worker"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BaseURL:     "http://localhost:8080/engine/",
			Asset:       "python.wasm",
			CacheDir:    "default",
			InitTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Mode: WorkerInProcess,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			SessionTTL:  30 * time.Minute,
			MaxSessions: 64,
			MaxOutput:   10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
	}
}

// Load loads configuration from path, merging with defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// DefaultPath returns $PYNODE_CONFIG, or config.toml in the user config
// directory.
func DefaultPath() string {
	if p := os.Getenv("PYNODE_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "pynode", "config.toml")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Engine.InitTimeout <= 0 {
		return fmt.Errorf("engine.init_timeout must be positive")
	}
	if c.Engine.MaxAssetSize < 0 {
		return fmt.Errorf("engine.max_asset_size must not be negative")
	}
	switch c.Worker.Mode {
	case WorkerInProcess, WorkerProcess:
	default:
		return fmt.Errorf("worker.mode must be %q or %q, got %q", WorkerInProcess, WorkerProcess, c.Worker.Mode)
	}
	if c.Server.SessionTTL <= 0 {
		return fmt.Errorf("server.session_ttl must be positive")
	}
	return nil
}
