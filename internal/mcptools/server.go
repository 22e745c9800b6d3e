package mcptools

import (
	"github.com/mark3labs/mcp-go/server"

	"hotforge/internal/system"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewServer registers every forge tool on a new MCP server. The forge must
// be running for generations to integrate.
func NewServer(f *system.Forge) *server.MCPServer {
	s := server.NewMCPServer(
		"hotforge",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	generate := NewGenerateTool(f)
	s.AddTool(generate.Definition(), generate.Handle)

	need := NewNeedTool(f)
	s.AddTool(need.Definition(), need.Handle)

	status := NewStatusTool(f)
	s.AddTool(status.Definition(), status.Handle)

	history := NewHistoryTool(f)
	s.AddTool(history.Definition(), history.Handle)

	selftest := NewSelftestTool(f)
	s.AddTool(selftest.Definition(), selftest.Handle)

	return s
}

const instructions = `hotforge synthesizes Go modules and hot-loads them into a running host.

Use forge_generate to request an artifact and wait for its integration outcome.
Use forge_need when the system is missing a capability rather than a named artifact.
forge_status, forge_history and forge_selftest inspect what is loaded and why something failed.`
