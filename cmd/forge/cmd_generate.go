package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"hotforge/internal/artifact"
	"hotforge/internal/coordinator"
	"hotforge/internal/system"
)

var (
	genPurpose string
	genType    string
	genPath    string
	genWait    bool
	genNoWrite bool

	needWait bool

	goalMeta []string
	goalWait bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Synthesize one artifact and hand it to the integration engine",
	Example: `  forge generate --purpose data-processor --type service
  forge generate --purpose status --type endpoint --path interfaces/status.go --wait`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

var needCmd = &cobra.Command{
	Use:   "need <type> [details]",
	Short: "Report a system need (missing-handler, performance-bottleneck, integration-gap, data-processing)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runNeed,
}

var goalCmd = &cobra.Command{
	Use:   "goal <name>",
	Short: "Announce an achieved code-generation goal",
	Example: `  forge goal "Create Missing Features" --meta feature=summary
  forge goal "Fix Detected Bugs" --meta error="undefined: strings" --meta path=generated/x.go`,
	Args: cobra.ExactArgs(1),
	RunE: runGoal,
}

func init() {
	generateCmd.Flags().StringVar(&genPurpose, "purpose", "", "What the artifact is for (required)")
	generateCmd.Flags().StringVar(&genType, "type", "", "module, service, handler, endpoint or extension")
	generateCmd.Flags().StringVar(&genPath, "path", "", "Workspace-relative target path")
	generateCmd.Flags().BoolVar(&genWait, "wait", false, "Wait for the integration outcome")
	generateCmd.Flags().BoolVar(&genNoWrite, "no-write", false, "Synthesize without writing to storage")
	_ = generateCmd.MarkFlagRequired("purpose")

	needCmd.Flags().BoolVar(&needWait, "wait", false, "Wait for the integration outcome")

	goalCmd.Flags().StringArrayVar(&goalMeta, "meta", nil, "Goal metadata as key=value (repeatable)")
	goalCmd.Flags().BoolVar(&goalWait, "wait", false, "Wait for the integration outcome")
}

// latestOutcome waits for the outcome of the newest artifact the
// coordinator produced after before.
func latestOutcome(ctx context.Context, f *system.Forge, o *system.Outcomes, before int) (system.Outcome, bool, error) {
	hist := f.Coordinator.History()
	if len(hist) <= before {
		return system.Outcome{}, false, nil
	}
	out, err := o.Wait(ctx, hist[len(hist)-1].ID)
	return out, true, err
}

func reportOutcome(cmd *cobra.Command, out system.Outcome) error {
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if out.Failed() {
		return fmt.Errorf("integration failed at %s: %s", out.Stage, out.Error)
	}
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	req := artifact.Request{Purpose: genPurpose, Type: genType, Path: genPath}
	if genNoWrite {
		write := false
		req.WriteToStorage = &write
	}

	return withForge(ctx, func(ctx context.Context, f *system.Forge) error {
		o := f.WatchOutcomes()
		defer o.Close()

		a, err := f.Coordinator.RequestGeneration(ctx, req)
		if err != nil {
			var ve *coordinator.ValidationError
			if errors.As(err, &ve) {
				return fmt.Errorf("invalid request: %w", err)
			}
			return err
		}
		if !genWait {
			return printJSON(cmd.OutOrStdout(), a)
		}
		out, err := o.Wait(ctx, a.ID)
		if err != nil {
			return err
		}
		return reportOutcome(cmd, out)
	})
}

func runNeed(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	n := coordinator.NeedEvent{Type: args[0]}
	if len(args) > 1 {
		n.Details = args[1]
	}
	if coordinator.RequestForNeed(n) == nil {
		return fmt.Errorf("no code plan for need %q", n.Type)
	}

	return withForge(ctx, func(ctx context.Context, f *system.Forge) error {
		o := f.WatchOutcomes()
		defer o.Close()

		before := len(f.Coordinator.History())
		if err := f.Coordinator.HandleNeed(ctx, n); err != nil {
			return err
		}
		return finish(ctx, cmd, f, o, before, needWait)
	})
}

func runGoal(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	g := coordinator.GoalEvent{Name: args[0], Type: coordinator.GoalTypeCodeGeneration, Metadata: map[string]string{}}
	for _, kv := range goalMeta {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --meta %q, want key=value", kv)
		}
		g.Metadata[k] = v
	}
	if coordinator.PlanForGoal(g) == nil {
		return fmt.Errorf("no code plan for goal %q", g.Name)
	}

	return withForge(ctx, func(ctx context.Context, f *system.Forge) error {
		o := f.WatchOutcomes()
		defer o.Close()

		before := len(f.Coordinator.History())
		if err := f.Coordinator.HandleGoal(ctx, g); err != nil {
			return err
		}
		return finish(ctx, cmd, f, o, before, goalWait)
	})
}

func finish(ctx context.Context, cmd *cobra.Command, f *system.Forge, o *system.Outcomes, before int, wait bool) error {
	if !wait {
		hist := f.Coordinator.History()
		if len(hist) > before {
			return printJSON(cmd.OutOrStdout(), hist[len(hist)-1])
		}
		fmt.Fprintln(cmd.OutOrStdout(), "no new artifact")
		return nil
	}
	out, ok, err := latestOutcome(ctx, f, o, before)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "no new artifact")
		return nil
	}
	return reportOutcome(cmd, out)
}
