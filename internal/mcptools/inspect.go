package mcptools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"hotforge/internal/artifact"
	"hotforge/internal/coordinator"
	"hotforge/internal/host"
	"hotforge/internal/integration"
	"hotforge/internal/store"
	"hotforge/internal/system"
)

// StatusTool handles the forge_status MCP tool.
type StatusTool struct {
	forge *system.Forge
}

// NewStatusTool creates a StatusTool for f.
func NewStatusTool(f *system.Forge) *StatusTool {
	return &StatusTool{forge: f}
}

// Definition returns the MCP tool definition for forge_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("forge_status",
		mcp.WithDescription("Report the integration engine, the coordinator and the routes the host serves."),
	)
}

type statusReport struct {
	Engine      integration.Status `json:"engine"`
	Coordinator coordinator.Status `json:"coordinator"`
	Routes      []host.Route       `json:"routes"`
}

// Handle processes the forge_status tool call.
func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(statusReport{
		Engine:      t.forge.Engine.Status(),
		Coordinator: t.forge.Coordinator.Status(),
		Routes:      t.forge.Host.Routes(),
	}), nil
}

// HistoryTool handles the forge_history MCP tool.
type HistoryTool struct {
	forge *system.Forge
}

// NewHistoryTool creates a HistoryTool for f.
func NewHistoryTool(f *system.Forge) *HistoryTool {
	return &HistoryTool{forge: f}
}

// Definition returns the MCP tool definition for forge_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("forge_history",
		mcp.WithDescription(
			"List journaled artifacts newest first, or the pipeline events of one artifact when 'events' is set.",
		),
		mcp.WithString("path",
			mcp.Description("Only artifacts at this workspace-relative path"),
		),
		mcp.WithString("status",
			mcp.Description("Only artifacts with this status"),
			mcp.Enum(string(artifact.StatusPending), string(artifact.StatusIntegrated), string(artifact.StatusFailed)),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of artifacts (default: 20)"),
		),
		mcp.WithString("events",
			mcp.Description("Artifact id whose pipeline events to list"),
		),
	)
}

// Handle processes the forge_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	j := t.forge.Journal
	if j == nil {
		return mcp.NewToolResultError("the artifact journal is disabled (store.enabled)"), nil
	}

	if id := req.GetString("events", ""); id != "" {
		events, err := j.Events(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read events: %v", err)), nil
		}
		return jsonResult(events), nil
	}

	rows, err := j.History(ctx, store.HistoryQuery{
		Path:   req.GetString("path", ""),
		Status: artifact.Status(req.GetString("status", "")),
		Limit:  intArg(req, "limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read history: %v", err)), nil
	}
	if len(rows) == 0 {
		return mcp.NewToolResultText("no artifacts journaled"), nil
	}
	return jsonResult(rows), nil
}

// SelftestTool handles the forge_selftest MCP tool.
type SelftestTool struct {
	forge   *system.Forge
	timeout time.Duration
}

// NewSelftestTool creates a SelftestTool for f.
func NewSelftestTool(f *system.Forge) *SelftestTool {
	return &SelftestTool{forge: f, timeout: DefaultWait}
}

// Definition returns the MCP tool definition for forge_selftest.
func (t *SelftestTool) Definition() mcp.Tool {
	return mcp.NewTool("forge_selftest",
		mcp.WithDescription(
			"Validate, load and self-test a module file without installing it. "+
				"Reports syntax, load and functionality checks.",
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Workspace-relative path of the module file"),
		),
	)
}

// Handle processes the forge_selftest tool call.
func (t *SelftestTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return mcp.NewToolResultError("'path' is required"), nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res := t.forge.Engine.TestIntegration(ctx, path)
	out := jsonResult(res)
	if !res.Passed() {
		out.IsError = true
	}
	return out, nil
}
