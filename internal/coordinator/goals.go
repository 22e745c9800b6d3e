package coordinator

import (
	"context"
	"fmt"
	"path"
	"strings"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/logging"
)

// GoalTypeCodeGeneration is the only goal type the coordinator acts on.
const GoalTypeCodeGeneration = "code-generation"

// Goal is one code goal announced with goal-register.
type Goal struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority"`
	Triggers    []string `json:"triggers"`
}

// Goal names.
const (
	GoalOptimizePerformance = "Optimize System Performance"
	GoalMissingFeatures     = "Create Missing Features"
	GoalFixBugs             = "Fix Detected Bugs"
	GoalEnhanceIntegration  = "Enhance Module Integration"
)

// CodeGoals returns the goals the coordinator registers on Attach.
func CodeGoals() []Goal {
	return []Goal{
		{
			Name:        GoalOptimizePerformance,
			Description: "Generate optimized code for slow modules",
			Type:        GoalTypeCodeGeneration,
			Priority:    "medium",
			Triggers:    []string{"performance:degraded"},
		},
		{
			Name:        GoalMissingFeatures,
			Description: "Generate code for requested but missing features",
			Type:        GoalTypeCodeGeneration,
			Priority:    "high",
			Triggers:    []string{"feature:missing"},
		},
		{
			Name:        GoalFixBugs,
			Description: "Automatically fix bugs when detected",
			Type:        GoalTypeCodeGeneration,
			Priority:    "critical",
			Triggers:    []string{"bug:detected"},
		},
		{
			Name:        GoalEnhanceIntegration,
			Description: "Generate integration code between modules",
			Type:        GoalTypeCodeGeneration,
			Priority:    "medium",
			Triggers:    []string{"integration:needed"},
		},
	}
}

// Plan is what a goal or need turns into. Exactly one of Generate and Debug
// is set.
type Plan struct {
	Generate *artifact.Request
	Debug    *DebugRequest
}

// PlanForGoal looks g up in the static goal table. Unknown goals yield nil.
//
// Metadata keys: "feature" for missing features; "error", "path" and
// "operation" for bug fixes.
func PlanForGoal(g GoalEvent) *Plan {
	md := g.Metadata
	switch g.Name {
	case GoalOptimizePerformance:
		return &Plan{Generate: &artifact.Request{
			Purpose: "performance-optimizer",
			Type:    "service",
			Path:    "services/PerformanceOptimizer.go",
		}}
	case GoalMissingFeatures:
		feature := strings.TrimSpace(md["feature"])
		purpose, file := "feature-implementation", "NewFeature"
		if feature != "" {
			purpose, file = feature, feature
		}
		return &Plan{Generate: &artifact.Request{
			Purpose: purpose,
			Type:    "extension",
			Path:    path.Join(artifact.ExtensionDir, artifact.Slug(file)+".go"),
		}}
	case GoalFixBugs:
		return &Plan{Debug: &DebugRequest{
			Error:     md["error"],
			Path:      md["path"],
			Operation: md["operation"],
			AutoFix:   true,
		}}
	case GoalEnhanceIntegration:
		return &Plan{Generate: &artifact.Request{
			Purpose: "integration-bridge",
			Type:    "service",
			Path:    "services/IntegrationBridge.go",
		}}
	}
	return nil
}

// Need types.
const (
	NeedMissingHandler        = "missing-handler"
	NeedPerformanceBottleneck = "performance-bottleneck"
	NeedIntegrationGap        = "integration-gap"
	NeedDataProcessing        = "data-processing"
)

// RequestForNeed looks n up in the static need table. Unknown needs yield nil.
func RequestForNeed(n NeedEvent) *artifact.Request {
	switch n.Type {
	case NeedMissingHandler:
		details := artifact.Slug(n.Details)
		if details == "" {
			return nil
		}
		purpose := details + "-handler"
		return &artifact.Request{
			Purpose: purpose,
			Type:    "handler",
			Path:    path.Join(artifact.HandlerDir, purpose+".go"),
		}
	case NeedPerformanceBottleneck:
		return &artifact.Request{Purpose: "performance-optimizer", Type: "service"}
	case NeedIntegrationGap:
		return &artifact.Request{Purpose: "integration-adapter", Type: "module"}
	case NeedDataProcessing:
		return &artifact.Request{Purpose: "data-processor", Type: "service"}
	}
	return nil
}

// HandleGoal runs the plan for a code-generation goal. Goals of another
// type and unknown goal names are ignored.
func (c *Coordinator) HandleGoal(ctx context.Context, g GoalEvent) error {
	if g.Type != GoalTypeCodeGeneration {
		logging.CoordinatorDebug("ignoring goal %q of type %q", g.Name, g.Type)
		return nil
	}
	plan := PlanForGoal(g)
	if plan == nil {
		logging.Coordinator("no code plan for goal %q", g.Name)
		return nil
	}
	logging.Coordinator("goal %q achieved, running its code plan", g.Name)
	switch {
	case plan.Generate != nil:
		_, err := c.RequestGeneration(ctx, *plan.Generate)
		return err
	case plan.Debug != nil:
		_, err := c.RequestDebugging(ctx, *plan.Debug)
		return err
	}
	return nil
}

// HandleNeed generates code for a detected system need.
func (c *Coordinator) HandleNeed(ctx context.Context, n NeedEvent) error {
	req := RequestForNeed(n)
	if req == nil {
		logging.Coordinator("no code plan for system need %q", n.Type)
		return nil
	}
	if _, err := c.RequestGeneration(ctx, *req); err != nil {
		return fmt.Errorf("system need %s: %w", n.Type, err)
	}
	return nil
}

func (c *Coordinator) onGoalAchieved(ev bus.Event) {
	g, ok := ev.Payload.(GoalEvent)
	if !ok {
		logging.CoordinatorError("goal-achieved with unsupported payload %T", ev.Payload)
		return
	}
	_ = c.HandleGoal(context.Background(), g)
}

func (c *Coordinator) onSystemNeed(ev bus.Event) {
	n, ok := ev.Payload.(NeedEvent)
	if !ok {
		logging.CoordinatorError("system-need with unsupported payload %T", ev.Payload)
		return
	}
	_ = c.HandleNeed(context.Background(), n)
}
