// Command forge runs and drives a hotforge workspace: it serves the live
// integration pipeline, requests generations, self-tests modules and reads
// the artifact journal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hotforge/internal/config"
	"hotforge/internal/logging"
	"hotforge/internal/system"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "hotforge - synthesize, check and hot-load Go modules into a running process",
	Long: `hotforge turns generation requests into Go source, validates it, resolves
its dependencies and loads it into the running host without a restart.

Run "forge serve" to start the host; the other commands drive or inspect it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		if level, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(level)
		}
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if cfg.Logging.Format != "json" {
			zc.Encoding = "console"
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.UseLogger(logger, cfg.Logging.Options())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/"+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for one-shot commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(needCmd)
	rootCmd.AddCommand(goalCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. An explicit --workspace wins over the
// workspace recorded in the file.
func loadConfig() (*config.Config, error) {
	ws := workspace
	if ws == "" {
		var err error
		if ws, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	path := configPath
	if path == "" {
		path = filepath.Join(ws, filepath.FromSlash(config.DefaultConfigPath))
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if workspace != "" || c.Workspace == "" || c.Workspace == "." {
		c.Workspace = ws
	}
	return c, nil
}

// withForge boots a forge for a one-shot command, runs it in the background
// while fn executes, then shuts it down. The watcher and the HTTP host stay
// off; a running "forge serve" owns those.
func withForge(ctx context.Context, fn func(ctx context.Context, f *system.Forge) error) error {
	c := *cfg
	c.Watch.Enabled = false
	c.HTTP.Enabled = false

	f, err := system.Boot(&c, system.BootOptions{})
	if err != nil {
		return err
	}
	defer f.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.Run(runCtx) }()

	fnErr := fn(ctx, f)
	cancel()
	if err := <-done; err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
