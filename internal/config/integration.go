package config

import "time"

// Validation modes for the syntax stage.
const (
	ValidationParse = "parse" // in-process go/parser
	ValidationGofmt = "gofmt" // external gofmt -e
)

// IntegrationConfig configures the integration engine.
type IntegrationConfig struct {
	QueueSize int `yaml:"queue_size"`

	// Per-stage timeouts
	InstallTimeout  string `yaml:"install_timeout"`
	ValidateTimeout string `yaml:"validate_timeout"`
	LoadTimeout     string `yaml:"load_timeout"`
	RegisterTimeout string `yaml:"register_timeout"`
	ReloadTimeout   string `yaml:"reload_timeout"`

	ValidationMode string `yaml:"validation_mode"`
	GofmtBinary    string `yaml:"gofmt_binary"`

	// InstallCommand is run as: InstallCommand... <missing specifiers>
	InstallCommand []string `yaml:"install_command"`

	// GoPath is searched by the interpreter for non-stdlib packages.
	GoPath string `yaml:"gopath"`

	AllowExec       bool `yaml:"allow_exec"`
	AllowNetworking bool `yaml:"allow_networking"`
}

// DefaultIntegrationConfig returns safe default integration settings.
func DefaultIntegrationConfig() IntegrationConfig {
	return IntegrationConfig{
		QueueSize:       64,
		InstallTimeout:  "2m",
		ValidateTimeout: "30s",
		LoadTimeout:     "30s",
		RegisterTimeout: "10s",
		ReloadTimeout:   "30s",
		ValidationMode:  ValidationParse,
		GofmtBinary:     "gofmt",
		InstallCommand:  []string{"go", "get"},
		GoPath:          ".forge/gopath",
	}
}

// StageTimeouts is the parsed form of the per-stage timeouts.
type StageTimeouts struct {
	Install  time.Duration
	Validate time.Duration
	Load     time.Duration
	Register time.Duration
	Reload   time.Duration
}

// Timeouts parses the stage timeouts, falling back to defaults.
func (c IntegrationConfig) Timeouts() StageTimeouts {
	return StageTimeouts{
		Install:  parseDuration(c.InstallTimeout, 2*time.Minute),
		Validate: parseDuration(c.ValidateTimeout, 30*time.Second),
		Load:     parseDuration(c.LoadTimeout, 30*time.Second),
		Register: parseDuration(c.RegisterTimeout, 10*time.Second),
		Reload:   parseDuration(c.ReloadTimeout, 30*time.Second),
	}
}
