// Package config loads collector configuration from flags, environment
// and YAML files via viper, with defaults that work on a bare host.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the unified collector configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Output  OutputConfig  `mapstructure:"output"`
	Sample  SampleConfig  `mapstructure:"sample"`
	Tool    ToolConfig    `mapstructure:"tool"`
	Retry   RetryConfig   `mapstructure:"retry"`
	History HistoryConfig `mapstructure:"history"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OutputConfig controls where staging and the final bundle live.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	StagingRoot string `mapstructure:"staging_root"`
}

// SampleConfig controls the observation window of sampling
// diagnostics.
type SampleConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Interval time.Duration `mapstructure:"interval"`
}

// ToolConfig bounds external tool invocations and allows renaming the
// delegated tools.
type ToolConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Debugger string        `mapstructure:"debugger"`
	Gcore    string        `mapstructure:"gcore"`
	Tracer   string        `mapstructure:"tracer"`
	Deploy   string        `mapstructure:"deploy"`
}

// RetryConfig bounds attach retries.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// HistoryConfig locates the local run-history index.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "auto"},
		Output: OutputConfig{Dir: ".", StagingRoot: os.TempDir()},
		Sample: SampleConfig{Window: 30 * time.Second, Interval: 5 * time.Second},
		Tool:   ToolConfig{Timeout: 60 * time.Second},
		Retry:  RetryConfig{Attempts: 3, Delay: 2 * time.Second},
		History: HistoryConfig{
			Path: filepath.Join(userDataDir(), "diagcollect", "history.db"),
		},
	}
}

// Validate rejects configurations the run cannot honor.
func Validate(cfg *Config) error {
	if cfg.Sample.Window <= 0 {
		return fmt.Errorf("sample.window must be positive, got %s", cfg.Sample.Window)
	}
	if cfg.Sample.Interval <= 0 {
		return fmt.Errorf("sample.interval must be positive, got %s", cfg.Sample.Interval)
	}
	if cfg.Sample.Interval > cfg.Sample.Window {
		return fmt.Errorf("sample.interval %s exceeds sample.window %s", cfg.Sample.Interval, cfg.Sample.Window)
	}
	if cfg.Tool.Timeout <= 0 {
		return fmt.Errorf("tool.timeout must be positive, got %s", cfg.Tool.Timeout)
	}
	if cfg.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay must not be negative, got %s", cfg.Retry.Delay)
	}
	return nil
}

func userDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return os.TempDir()
}
