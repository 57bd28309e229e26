package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if !cfg.Transaction.SuspendThreads || !cfg.Transaction.AbortOnError {
		t.Error("transactions should suspend threads and abort on error by default")
	}
	if cfg.Allocator.RegionSize != 64<<10 {
		t.Errorf("region size = %d", cfg.Allocator.RegionSize)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detours.yaml")
	data := []byte(`
log_level: debug
transaction:
  abort_on_error: false
allocator:
  region_size: 131072
delay:
  plugin_dir: /opt/plugins
  debounce: 1s
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Transaction.AbortOnError {
		t.Error("abort_on_error not read")
	}
	if !cfg.Transaction.SuspendThreads {
		t.Error("suspend_threads default lost")
	}
	if cfg.Allocator.RegionSize != 128<<10 {
		t.Errorf("region_size = %d", cfg.Allocator.RegionSize)
	}
	if cfg.Delay.PluginDir != "/opt/plugins" || cfg.Delay.Debounce != time.Second {
		t.Errorf("delay = %+v", cfg.Delay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DETOURS_LOG_LEVEL", "warn")
	t.Setenv("DETOURS_SUSPEND_THREADS", "false")
	t.Setenv("DETOURS_DEBUG", "yes")
	t.Setenv("DETOURS_PLUGIN_DIR", "/tmp/plugins")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Transaction.SuspendThreads {
		t.Error("DETOURS_SUSPEND_THREADS not applied")
	}
	if !cfg.Debug {
		t.Error("DETOURS_DEBUG not applied")
	}
	if cfg.Delay.PluginDir != "/tmp/plugins" {
		t.Errorf("plugin_dir = %q", cfg.Delay.PluginDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"small region", func(c *Config) { c.Allocator.RegionSize = 1024 }},
		{"odd region", func(c *Config) { c.Allocator.RegionSize = 65536 + 4096 }},
		{"huge region", func(c *Config) { c.Allocator.RegionSize = 32 << 20 }},
		{"no debounce", func(c *Config) {
			c.Delay.PluginDir = "/plugins"
			c.Delay.Debounce = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted the config")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debug = true
	logger, err := cfg.NewLogger()
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("debug level not enabled")
	}
}
