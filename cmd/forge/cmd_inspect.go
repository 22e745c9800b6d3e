package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hotforge/internal/artifact"
	"hotforge/internal/store"
	"hotforge/internal/system"
)

var (
	historyPath   string
	historyStatus string
	historyLimit  int
	historyEvents string
	historyJSON   bool
)

var selftestCmd = &cobra.Command{
	Use:   "selftest <path>",
	Short: "Validate, load and self-test a module without installing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runSelftest,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled artifacts and their integration events",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyPath, "path", "", "Only artifacts at this workspace-relative path")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only artifacts with this status (pending, integrated, failed)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of artifacts")
	historyCmd.Flags().StringVar(&historyEvents, "events", "", "Show the pipeline events of one artifact id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print JSON")
}

func runSelftest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c := *cfg
	c.Watch.Enabled = false
	c.HTTP.Enabled = false
	c.Store.Enabled = false
	f, err := system.Boot(&c, system.BootOptions{})
	if err != nil {
		return err
	}
	defer f.Close()

	res := f.Engine.TestIntegration(ctx, args[0])
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Passed() {
		return fmt.Errorf("self-test of %s failed: %s", res.Path, res.Error)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if !cfg.Store.Enabled {
		return fmt.Errorf("the artifact journal is disabled (store.enabled)")
	}
	j, err := store.Open(cfg.ResolvePath(cfg.Store.DatabasePath))
	if err != nil {
		return err
	}
	defer j.Close()

	out := cmd.OutOrStdout()
	if historyEvents != "" {
		events, err := j.Events(ctx, historyEvents)
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(out, events)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, header("TIME\tEVENT\tSTAGE\tKIND\tDETAIL"))
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.Name, e.Stage, e.Kind, e.Detail)
		}
		return tw.Flush()
	}

	rows, err := j.History(ctx, store.HistoryQuery{
		Path:   historyPath,
		Status: artifact.Status(historyStatus),
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "no artifacts journaled")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header("ID\tSTATUS\tTYPE\tPATH\tCREATED\tERROR"))
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, styleStatus(r.Status), r.Type, r.Path, r.CreatedAt.Local().Format(time.DateTime), r.Error)
	}
	return tw.Flush()
}
