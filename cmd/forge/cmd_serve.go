package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hotforge/internal/config"
	"hotforge/internal/system"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host: integration worker, file watcher and HTTP endpoints",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file into the workspace",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := system.Boot(cfg, system.BootOptions{})
	if err != nil {
		return err
	}
	defer f.Close()

	go func() {
		select {
		case addr := <-f.Listening:
			fmt.Fprintf(cmd.OutOrStdout(), "hotforge serving %s on http://%s\n", f.Workspace, addr)
		case <-ctx.Done():
		}
	}()

	if err := f.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = cfg.ResolvePath(config.DefaultConfigPath)
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	c := config.DefaultConfig()
	if err := c.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
