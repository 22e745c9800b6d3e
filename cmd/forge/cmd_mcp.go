package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hotforge/internal/mcptools"
	"hotforge/internal/system"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the host and expose it as MCP tools over stdio",
	Long: `Runs the same host as "forge serve" and serves the forge_* tools on
stdin/stdout, so an MCP client can request generations and inspect results.
Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := system.Boot(cfg, system.BootOptions{})
	if err != nil {
		return err
	}
	defer f.Close()

	s := mcptools.NewServer(f)
	stdio := server.NewStdioServer(s)

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	g.Go(func() error { return f.Run(ctx) })
	g.Go(func() error {
		// Stdin closing ends the session and the host with it.
		defer cancel()
		return stdio.Listen(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
