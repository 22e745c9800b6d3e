package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotforge/internal/artifact"
	"hotforge/internal/config"
	"hotforge/internal/integration"
)

// execute runs the root command with fresh flag values against ws.
func execute(t *testing.T, ws string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FORGE_SUPERVISOR", "none")

	verbose, workspace, configPath = false, "", ""
	genPurpose, genType, genPath, genWait, genNoWrite = "", "", "", false, false
	needWait, goalWait, goalMeta = false, false, nil
	historyPath, historyStatus, historyLimit, historyEvents, historyJSON = "", "", 20, "", false
	initForce = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--workspace", ws}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGenerateWaitIntegrates(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, ws, "generate", "--purpose", "data-processor", "--type", "service", "--wait")
	require.NoError(t, err, out)

	var got struct {
		Artifact *artifact.Artifact      `json:"artifact"`
		Module   *integration.ModuleInfo `json:"module"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Module)
	assert.Equal(t, artifact.StatusIntegrated, got.Artifact.Status)
	assert.Equal(t, "data-processor", got.Module.Name)
	assert.FileExists(t, filepath.Join(ws, filepath.FromSlash(got.Artifact.Path)))

	hist, err := execute(t, ws, "history")
	require.NoError(t, err)
	assert.Contains(t, hist, got.Artifact.ID)
	assert.Contains(t, hist, "integrated")

	events, err := execute(t, ws, "history", "--events", got.Artifact.ID)
	require.NoError(t, err)
	assert.Contains(t, events, "integration-completed")

	res, err := execute(t, ws, "selftest", got.Artifact.Path)
	require.NoError(t, err, res)
	assert.Contains(t, res, `"functionality": true`)
}

func TestGenerateWithoutWaitPrintsArtifact(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, ws, "generate", "--purpose", "cache", "--path", "generated/cache.go", "--no-write")
	require.NoError(t, err)

	var a artifact.Artifact
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, "generated/cache.go", a.Path)
	assert.NoFileExists(t, filepath.Join(ws, "generated", "cache.go"))
}

func TestGenerateRejectsEmptyPurpose(t *testing.T) {
	_, err := execute(t, t.TempDir(), "generate", "--purpose", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid request")
}

func TestNeedMissingHandler(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, ws, "need", "missing-handler", "order created", "--wait")
	require.NoError(t, err, out)
	assert.Contains(t, out, "handlers/order-created-handler.go")
	assert.Contains(t, out, `"kind": "handler"`)
}

func TestNeedAndGoalUnknown(t *testing.T) {
	ws := t.TempDir()
	_, err := execute(t, ws, "need", "quantum-flux")
	assert.Error(t, err)

	_, err = execute(t, ws, "goal", "Become Sentient")
	assert.Error(t, err)

	_, err = execute(t, ws, "goal", "Create Missing Features", "--meta", "novalue")
	assert.Error(t, err)
}

func TestGoalCreatesExtension(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, ws, "goal", "Create Missing Features", "--meta", "feature=summary")
	require.NoError(t, err)
	assert.Contains(t, out, "extensions/summary.go")
	assert.FileExists(t, filepath.Join(ws, "extensions", "summary.go"))
}

func TestInitWritesConfigOnce(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, ws, "init")
	require.NoError(t, err)
	path := filepath.Join(ws, filepath.FromSlash(config.DefaultConfigPath))
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hotforge", cfg.Name)

	_, err = execute(t, ws, "init")
	assert.Error(t, err)

	_, err = execute(t, ws, "init", "--force")
	assert.NoError(t, err)
}

func TestHistoryEmpty(t *testing.T) {
	out, err := execute(t, t.TempDir(), "history")
	require.NoError(t, err)
	assert.Contains(t, out, "no artifacts journaled")
}

func TestLoadConfigWorkspaceFlagWins(t *testing.T) {
	ws := t.TempDir()
	other := t.TempDir()
	c := config.DefaultConfig()
	c.Workspace = other
	require.NoError(t, c.Save(filepath.Join(ws, filepath.FromSlash(config.DefaultConfigPath))))

	workspace, configPath = ws, ""
	defer func() { workspace = "" }()
	got, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ws, got.Workspace)

	_, err = os.Stat(filepath.Join(ws, ".forge"))
	assert.NoError(t, err)
}
