package mcptools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotforge/internal/artifact"
	"hotforge/internal/config"
	"hotforge/internal/store"
	"hotforge/internal/supervisor"
	"hotforge/internal/system"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func testForge(t *testing.T, withStore bool) *system.Forge {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Store.Enabled = withStore
	cfg.Store.DatabasePath = ":memory:"
	cfg.Watch.Enabled = false
	cfg.HTTP.Enabled = false
	cfg.Supervisor.Kind = "none"

	f, err := system.Boot(cfg, system.BootOptions{Supervisor: supervisor.Noop{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, f.Close())
	})
	return f
}

func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	res, err := handle(context.Background(), makeReq(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestDefinitions(t *testing.T) {
	f := testForge(t, true)
	tests := []struct {
		def      mcp.Tool
		name     string
		required []string
		props    []string
	}{
		{NewGenerateTool(f).Definition(), "forge_generate", []string{"purpose"}, []string{"type", "path", "wait"}},
		{NewNeedTool(f).Definition(), "forge_need", []string{"type"}, []string{"details", "wait"}},
		{NewStatusTool(f).Definition(), "forge_status", nil, nil},
		{NewHistoryTool(f).Definition(), "forge_history", nil, []string{"path", "status", "limit", "events"}},
		{NewSelftestTool(f).Definition(), "forge_selftest", []string{"path"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.def.Name)
			assert.NotEmpty(t, tt.def.Description)
			for _, r := range tt.required {
				assert.Contains(t, tt.def.InputSchema.Required, r)
				assert.Contains(t, tt.def.InputSchema.Properties, r)
			}
			for _, p := range tt.props {
				assert.Contains(t, tt.def.InputSchema.Properties, p)
			}
		})
	}
}

func TestServerListsTools(t *testing.T) {
	s := NewServer(testForge(t, true))
	msg := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	for _, name := range []string{"forge_generate", "forge_need", "forge_status", "forge_history", "forge_selftest"} {
		assert.Contains(t, string(data), name)
	}
}

// ─── forge_generate ──────────────────────────────────────────────────────────

func TestGenerateWaitsForIntegration(t *testing.T) {
	f := testForge(t, true)
	res := call(t, NewGenerateTool(f).Handle, map[string]interface{}{
		"purpose": "data-processor",
		"type":    "service",
	})
	require.False(t, res.IsError, resultText(res))

	var out system.Outcome
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &out))
	require.NotNil(t, out.Module)
	assert.Equal(t, artifact.StatusIntegrated, out.Artifact.Status)
	assert.Equal(t, "data-processor", out.Module.Name)
	assert.FileExists(t, f.Workspace+"/"+out.Artifact.Path)
}

func TestGenerateWithoutWait(t *testing.T) {
	f := testForge(t, true)
	res := call(t, NewGenerateTool(f).Handle, map[string]interface{}{
		"purpose": "cache",
		"path":    "generated/cache.go",
		"wait":    false,
	})
	require.False(t, res.IsError, resultText(res))

	var a artifact.Artifact
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &a))
	assert.Equal(t, "generated/cache.go", a.Path)
	assert.NotEmpty(t, a.ID)
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	f := testForge(t, true)
	tool := NewGenerateTool(f)

	res := call(t, tool.Handle, map[string]interface{}{"purpose": "  "})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "purpose")

	res = call(t, tool.Handle, map[string]interface{}{"purpose": "x", "type": "daemon"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "invalid request")
	assert.Empty(t, f.Coordinator.History())
}

func TestGenerateTimesOut(t *testing.T) {
	f := testForge(t, true)
	tool := NewGenerateTool(f)
	tool.wait = time.Nanosecond

	res := call(t, tool.Handle, map[string]interface{}{"purpose": "slow"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "waiting for integration")
}

// ─── forge_need ──────────────────────────────────────────────────────────────

func TestNeedMissingHandler(t *testing.T) {
	f := testForge(t, true)
	res := call(t, NewNeedTool(f).Handle, map[string]interface{}{
		"type":    "missing-handler",
		"details": "order created",
	})
	require.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "handlers/order-created-handler.go")
	assert.Contains(t, resultText(res), `"kind": "handler"`)
}

func TestNeedUnknown(t *testing.T) {
	f := testForge(t, true)
	tool := NewNeedTool(f)

	res := call(t, tool.Handle, map[string]interface{}{"type": "quantum-flux"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "no code plan")

	res = call(t, tool.Handle, map[string]interface{}{})
	assert.True(t, res.IsError)
}

// ─── forge_status / forge_history / forge_selftest ───────────────────────────

func TestStatusReportsLoadedModules(t *testing.T) {
	f := testForge(t, true)
	res := call(t, NewGenerateTool(f).Handle, map[string]interface{}{
		"purpose": "status",
		"type":    "endpoint",
		"path":    "interfaces/status.go",
	})
	require.False(t, res.IsError, resultText(res))

	res = call(t, NewStatusTool(f).Handle, nil)
	require.False(t, res.IsError)

	var got statusReport
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &got))
	assert.Equal(t, []string{"interfaces/status.go"}, got.Engine.Loaded)
	assert.Equal(t, 1, got.Coordinator.Integrated)
	require.Len(t, got.Routes, 1)
	assert.Equal(t, "/status", got.Routes[0].Path)
}

func TestHistoryReadsJournal(t *testing.T) {
	f := testForge(t, true)
	tool := NewHistoryTool(f)

	res := call(t, tool.Handle, nil)
	assert.Equal(t, "no artifacts journaled", resultText(res))

	res = call(t, NewGenerateTool(f).Handle, map[string]interface{}{"purpose": "audit", "type": "service"})
	require.False(t, res.IsError, resultText(res))
	var out system.Outcome
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &out))

	require.Eventually(t, func() bool {
		var rows []store.ArtifactRow
		res := call(t, tool.Handle, map[string]interface{}{"status": "integrated", "limit": float64(5)})
		return json.Unmarshal([]byte(resultText(res)), &rows) == nil &&
			len(rows) == 1 && rows[0].ID == out.Artifact.ID
	}, 5*time.Second, 10*time.Millisecond)

	res = call(t, tool.Handle, map[string]interface{}{"events": out.Artifact.ID})
	require.False(t, res.IsError)
	assert.Contains(t, resultText(res), "integration-completed")
}

func TestHistoryWithoutJournal(t *testing.T) {
	res := call(t, NewHistoryTool(testForge(t, false)).Handle, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "disabled")
}

func TestSelftest(t *testing.T) {
	f := testForge(t, true)
	res := call(t, NewGenerateTool(f).Handle, map[string]interface{}{"purpose": "cache", "path": "generated/cache.go"})
	require.False(t, res.IsError, resultText(res))

	tool := NewSelftestTool(f)
	res = call(t, tool.Handle, map[string]interface{}{"path": "generated/cache.go"})
	require.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), `"functionality": true`)

	res = call(t, tool.Handle, map[string]interface{}{"path": "generated/missing.go"})
	assert.True(t, res.IsError)

	res = call(t, tool.Handle, map[string]interface{}{})
	assert.True(t, res.IsError)
}
