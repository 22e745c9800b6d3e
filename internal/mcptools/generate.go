package mcptools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"hotforge/internal/artifact"
	"hotforge/internal/coordinator"
	"hotforge/internal/system"
)

// GenerateTool handles the forge_generate MCP tool.
type GenerateTool struct {
	forge *system.Forge
	wait  time.Duration
}

// NewGenerateTool creates a GenerateTool for f.
func NewGenerateTool(f *system.Forge) *GenerateTool {
	return &GenerateTool{forge: f, wait: DefaultWait}
}

// Definition returns the MCP tool definition for forge_generate.
func (t *GenerateTool) Definition() mcp.Tool {
	return mcp.NewTool("forge_generate",
		mcp.WithDescription(
			"Synthesize a Go artifact and hand it to the integration engine. "+
				"With wait, the call returns once the module is loaded or the pipeline failed.",
		),
		mcp.WithString("purpose",
			mcp.Required(),
			mcp.Description("What the artifact is for (e.g. 'data-processor', 'order created handler')"),
		),
		mcp.WithString("type",
			mcp.Description("Artifact kind (default: module)"),
			mcp.Enum("module", "service", "handler", "endpoint", "extension"),
		),
		mcp.WithString("path",
			mcp.Description("Workspace-relative target path; derived from purpose and type when empty"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the integration outcome (default: true)"),
		),
	)
}

// Handle processes the forge_generate tool call.
func (t *GenerateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	purpose := req.GetString("purpose", "")
	if strings.TrimSpace(purpose) == "" {
		return mcp.NewToolResultError("'purpose' is required"), nil
	}
	r := artifact.Request{
		Purpose: purpose,
		Type:    req.GetString("type", ""),
		Path:    req.GetString("path", ""),
	}

	o := t.forge.WatchOutcomes()
	defer o.Close()

	a, err := t.forge.Coordinator.RequestGeneration(ctx, r)
	if err != nil {
		var ve *coordinator.ValidationError
		if errors.As(err, &ve) {
			return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("generation failed: %v", err)), nil
	}
	if !boolArg(req, "wait", true) {
		return jsonResult(a), nil
	}
	return awaitResult(ctx, o, a, t.wait), nil
}

// NeedTool handles the forge_need MCP tool.
type NeedTool struct {
	forge *system.Forge
	wait  time.Duration
}

// NewNeedTool creates a NeedTool for f.
func NewNeedTool(f *system.Forge) *NeedTool {
	return &NeedTool{forge: f, wait: DefaultWait}
}

// Definition returns the MCP tool definition for forge_need.
func (t *NeedTool) Definition() mcp.Tool {
	return mcp.NewTool("forge_need",
		mcp.WithDescription("Report a detected system need; the forge generates the code that covers it."),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Enum(coordinator.NeedMissingHandler, coordinator.NeedPerformanceBottleneck,
				coordinator.NeedIntegrationGap, coordinator.NeedDataProcessing),
			mcp.Description("The kind of need"),
		),
		mcp.WithString("details",
			mcp.Description("Free-form details, e.g. the event a missing handler should serve"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the integration outcome (default: true)"),
		),
	)
}

// Handle processes the forge_need tool call.
func (t *NeedTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := coordinator.NeedEvent{
		Type:    req.GetString("type", ""),
		Details: req.GetString("details", ""),
	}
	if n.Type == "" {
		return mcp.NewToolResultError("'type' is required"), nil
	}
	plan := coordinator.RequestForNeed(n)
	if plan == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no code plan for need %q", n.Type)), nil
	}

	o := t.forge.WatchOutcomes()
	defer o.Close()

	a, err := t.forge.Coordinator.RequestGeneration(ctx, *plan)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("system need %s: %v", n.Type, err)), nil
	}
	if !boolArg(req, "wait", true) {
		return jsonResult(a), nil
	}
	return awaitResult(ctx, o, a, t.wait), nil
}
