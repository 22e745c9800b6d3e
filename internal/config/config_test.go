package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "hotforge", cfg.Name)
	assert.Equal(t, "generated", cfg.Generation.GeneratedDir)
	assert.Equal(t, 100, cfg.Events.HistorySize)
	assert.Equal(t, ValidationParse, cfg.Integration.ValidationMode)
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("FORGE_WORKSPACE", "")
	t.Setenv("FORGE_SUPERVISOR", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Supervisor.Kind = "none"
	cfg.Integration.QueueSize = 3
	cfg.Integration.InstallCommand = []string{"true"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "none", loaded.Supervisor.Kind)
	assert.Equal(t, 3, loaded.Integration.QueueSize)
	assert.Equal(t, []string{"true"}, loaded.Integration.InstallCommand)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HTTP.Addr, cfg.HTTP.Addr)
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("integration: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORGE_WORKSPACE", "/srv/app")
	t.Setenv("FORGE_LOG_LEVEL", "debug")
	t.Setenv("FORGE_SUPERVISOR", "none")
	t.Setenv("FORGE_PROCESS_NAME", "api")
	t.Setenv("FORGE_HTTP_ADDR", ":9000")
	t.Setenv("FORGE_DB", "/tmp/forge.db")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/srv/app", cfg.Workspace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "none", cfg.Supervisor.Kind)
	assert.Equal(t, "api", cfg.Supervisor.ProcessName)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "/tmp/forge.db", cfg.Store.DatabasePath)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty workspace", func(c *Config) { c.Workspace = "" }},
		{"non-go language", func(c *Config) { c.Generation.DefaultLanguage = "javascript" }},
		{"unknown supervisor", func(c *Config) { c.Supervisor.Kind = "systemd" }},
		{"zero queue", func(c *Config) { c.Integration.QueueSize = 0 }},
		{"zero history", func(c *Config) { c.Events.HistorySize = 0 }},
		{"bad validation mode", func(c *Config) { c.Integration.ValidationMode = "vet" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTimeouts(t *testing.T) {
	ic := DefaultIntegrationConfig()
	ic.LoadTimeout = "nonsense"
	ic.ReloadTimeout = "5s"

	got := ic.Timeouts()
	assert.Equal(t, 2*time.Minute, got.Install)
	assert.Equal(t, 30*time.Second, got.Load, "unparseable durations fall back")
	assert.Equal(t, 5*time.Second, got.Reload)
}

func TestResolvePath(t *testing.T) {
	ws := t.TempDir()
	cfg := DefaultConfig()
	cfg.Workspace = ws

	assert.Equal(t, filepath.Join(ws, "generated", "x.go"), cfg.ResolvePath("generated/x.go"))
	assert.Equal(t, "/abs/x.go", cfg.ResolvePath("/abs/x.go"))
}

func TestLoggingOptions(t *testing.T) {
	lc := LoggingConfig{Level: "warn", Format: "json", Categories: map[string]bool{"bus": false}}
	opts := lc.Options()
	assert.True(t, opts.JSONFormat)
	assert.Equal(t, "warn", opts.Level)
	assert.False(t, lc.IsCategoryEnabled("bus"))
	assert.True(t, lc.IsCategoryEnabled("host"))
}
