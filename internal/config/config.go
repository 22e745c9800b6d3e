package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the workspace-relative location of the config file.
const DefaultConfigPath = ".forge/config.yaml"

// Config holds all hotforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace is the root every artifact path is relative to.
	Workspace string `yaml:"workspace"`

	Generation  GenerationConfig  `yaml:"generation"`
	Integration IntegrationConfig `yaml:"integration"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Events      EventsConfig      `yaml:"events"`
	Store       StoreConfig       `yaml:"store"`
	Watch       WatchConfig       `yaml:"watch"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// GenerationConfig configures the generation coordinator.
type GenerationConfig struct {
	GeneratedDir    string `yaml:"generated_dir"`    // default storage area
	ExtensionDir    string `yaml:"extension_dir"`    // default area for extension targets
	DefaultLanguage string `yaml:"default_language"` // only "go" is synthesized
	DefaultType     string `yaml:"default_type"`
}

// SupervisorConfig configures the external process supervisor.
type SupervisorConfig struct {
	Kind        string `yaml:"kind"`         // pm2, none
	ProcessName string `yaml:"process_name"` // identifier the supervisor knows us by
	Binary      string `yaml:"binary"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	HistorySize int `yaml:"history_size"`
	OutboxSize  int `yaml:"outbox_size"`
}

// StoreConfig configures the artifact journal.
type StoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// WatchConfig configures the artifact file watcher.
type WatchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Debounce string `yaml:"debounce"`
}

// HTTPConfig configures the endpoint host.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "hotforge",
		Version:   "0.3.0",
		Workspace: ".",

		Generation: GenerationConfig{
			GeneratedDir:    "generated",
			ExtensionDir:    "extensions",
			DefaultLanguage: "go",
			DefaultType:     "module",
		},

		Integration: DefaultIntegrationConfig(),

		Supervisor: SupervisorConfig{
			Kind:        "pm2",
			ProcessName: "hotforge",
			Binary:      "pm2",
		},

		Events: EventsConfig{
			HistorySize: 100,
			OutboxSize:  1024,
		},

		Store: StoreConfig{
			Enabled:      true,
			DatabasePath: ".forge/forge.db",
		},

		Watch: WatchConfig{
			Enabled:  true,
			Debounce: "500ms",
		},

		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8088",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if ws := os.Getenv("FORGE_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if lvl := os.Getenv("FORGE_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	if kind := os.Getenv("FORGE_SUPERVISOR"); kind != "" {
		c.Supervisor.Kind = kind
	}
	if name := os.Getenv("FORGE_PROCESS_NAME"); name != "" {
		c.Supervisor.ProcessName = name
	}
	if addr := os.Getenv("FORGE_HTTP_ADDR"); addr != "" {
		c.HTTP.Addr = addr
	}
	if path := os.Getenv("FORGE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// ValidSupervisors lists the supported supervisor kinds.
var ValidSupervisors = []string{"pm2", "none"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace not configured (set FORGE_WORKSPACE or workspace:)")
	}
	if c.Generation.DefaultLanguage != "go" {
		return fmt.Errorf("unsupported default language: %s", c.Generation.DefaultLanguage)
	}

	validSupervisor := false
	for _, k := range ValidSupervisors {
		if c.Supervisor.Kind == k {
			validSupervisor = true
			break
		}
	}
	if !validSupervisor {
		return fmt.Errorf("invalid supervisor kind: %s (valid: %v)", c.Supervisor.Kind, ValidSupervisors)
	}

	if c.Integration.QueueSize <= 0 {
		return fmt.Errorf("integration.queue_size must be positive, got %d", c.Integration.QueueSize)
	}
	if c.Events.HistorySize <= 0 || c.Events.OutboxSize <= 0 {
		return fmt.Errorf("events.history_size and events.outbox_size must be positive")
	}
	switch c.Integration.ValidationMode {
	case ValidationParse, ValidationGofmt:
	default:
		return fmt.Errorf("invalid integration.validation_mode: %s", c.Integration.ValidationMode)
	}
	return nil
}

// WorkspaceRoot returns the absolute workspace directory.
func (c *Config) WorkspaceRoot() (string, error) {
	return filepath.Abs(c.Workspace)
}

// ResolvePath resolves a workspace-relative path; absolute paths pass through.
func (c *Config) ResolvePath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	root, err := c.WorkspaceRoot()
	if err != nil {
		root = c.Workspace
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// GetWatchDebounce returns the watcher debounce as a duration.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDuration(c.Watch.Debounce, 500*time.Millisecond)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
