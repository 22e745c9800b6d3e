// Package supervisor adapts the external process supervisor that can
// restart the host process when a critical module changes.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"hotforge/internal/config"
	"hotforge/internal/logging"
)

// Supervisor is the process supervisor seen by the integration engine.
type Supervisor interface {
	Name() string
	// Supervised reports whether the host process is currently managed.
	Supervised(ctx context.Context) (bool, error)
	// Reload asks the supervisor for a graceful reload of the host process.
	Reload(ctx context.Context) error
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

// New builds the supervisor named by cfg.Kind.
func New(cfg config.SupervisorConfig, run Runner) Supervisor {
	switch cfg.Kind {
	case "pm2":
		return NewPM2(cfg.Binary, cfg.ProcessName, run)
	default:
		return Noop{}
	}
}

// Noop is used when the process runs unsupervised.
type Noop struct{}

func (Noop) Name() string                             { return "none" }
func (Noop) Supervised(context.Context) (bool, error) { return false, nil }
func (Noop) Reload(context.Context) error             { return nil }

// PM2 drives pm2 through its CLI.
type PM2 struct {
	binary  string
	process string
	run     Runner
}

// NewPM2 creates a pm2 adapter. A nil runner uses ExecRunner.
func NewPM2(binary, process string, run Runner) *PM2 {
	if binary == "" {
		binary = "pm2"
	}
	if run == nil {
		run = ExecRunner
	}
	return &PM2{binary: binary, process: process, run: run}
}

func (p *PM2) Name() string { return "pm2" }

type pm2Process struct {
	Name   string `json:"name"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
}

// Supervised reports whether pm2 lists the configured process as online.
func (p *PM2) Supervised(ctx context.Context) (bool, error) {
	out, err := p.run(ctx, p.binary, "jlist")
	if err != nil {
		return false, err
	}
	var procs []pm2Process
	if err := json.Unmarshal(bytes.TrimSpace(out), &procs); err != nil {
		return false, fmt.Errorf("pm2 jlist: decode: %w", err)
	}
	for _, proc := range procs {
		if proc.Name == p.process {
			logging.SupervisorDebug("pm2 process %s status=%s", proc.Name, proc.PM2Env.Status)
			return proc.PM2Env.Status == "online", nil
		}
	}
	return false, nil
}

// Reload issues pm2 reload for the configured process.
func (p *PM2) Reload(ctx context.Context) error {
	if _, err := p.run(ctx, p.binary, "reload", p.process); err != nil {
		return err
	}
	logging.Supervisor("pm2 reload %s requested", p.process)
	return nil
}
