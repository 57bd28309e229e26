package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a detour engine.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Debug       bool              `yaml:"debug"`
	Transaction TransactionConfig `yaml:"transaction"`
	Allocator   AllocatorConfig   `yaml:"allocator"`
	Delay       DelayConfig       `yaml:"delay"`
}

type TransactionConfig struct {
	// SuspendThreads is the default for transactions opened without an
	// explicit choice, such as the one-shot InlineHook.
	SuspendThreads bool `yaml:"suspend_threads"`
	// AbortOnError makes Commit abort when any Attach or Detach of the
	// transaction failed.
	AbortOnError bool `yaml:"abort_on_error"`
}

type AllocatorConfig struct {
	RegionSize int `yaml:"region_size"`
}

type DelayConfig struct {
	PluginDir string        `yaml:"plugin_dir"`
	Debounce  time.Duration `yaml:"debounce"`
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Transaction: TransactionConfig{
			SuspendThreads: true,
			AbortOnError:   true,
		},
		Allocator: AllocatorConfig{RegionSize: 64 << 10},
		Delay:     DelayConfig{Debounce: 250 * time.Millisecond},
	}
}

// ApplyEnvOverrides reads DETOURS_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"DETOURS_LOG_LEVEL":  func(v string) { c.LogLevel = v },
		"DETOURS_PLUGIN_DIR": func(v string) { c.Delay.PluginDir = v },
	}

	boolOverrides := map[string]*bool{
		"DETOURS_DEBUG":           &c.Debug,
		"DETOURS_SUSPEND_THREADS": &c.Transaction.SuspendThreads,
		"DETOURS_ABORT_ON_ERROR":  &c.Transaction.AbortOnError,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}

	size := c.Allocator.RegionSize
	if size < 4096 || size&(size-1) != 0 {
		return fmt.Errorf("allocator.region_size must be a power of two of at least 4096")
	}
	if size > 16<<20 {
		return fmt.Errorf("allocator.region_size must not exceed 16MiB")
	}

	if c.Delay.PluginDir != "" && c.Delay.Debounce <= 0 {
		return fmt.Errorf("delay.debounce must be positive when delay.plugin_dir is set")
	}

	return nil
}

// NewLogger builds the logger described by the config. Debug forces the
// debug level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if c.Debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
