// Package mcptools exposes a running forge as MCP tools so an agent can
// request generations, wait for their integration and inspect the journal.
//
// Every tool has the same shape: a struct holding the forge, Definition
// returning the mcp.Tool schema and Handle serving one call.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"hotforge/internal/artifact"
	"hotforge/internal/system"
)

// DefaultWait bounds how long a tool waits for an integration outcome.
const DefaultWait = 30 * time.Second

// intArg reads a number argument. JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// awaitResult waits for the outcome of a and renders it. A failed
// integration is reported as a tool error carrying the outcome.
func awaitResult(ctx context.Context, o *system.Outcomes, a *artifact.Artifact, wait time.Duration) *mcp.CallToolResult {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	out, err := o.Wait(ctx, a.ID)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	res := jsonResult(out)
	if out.Failed() {
		res.IsError = true
	}
	return res
}
