package logging

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func resetForTest(t *testing.T) {
	t.Cleanup(func() {
		UseLogger(zap.NewNop(), Options{})
	})
}

func TestGetBeforeInitializeIsNoop(t *testing.T) {
	resetForTest(t)
	UseLogger(zap.NewNop(), Options{})

	l := Get(CategoryIntegration)
	require.NotNil(t, l)
	l.Info("nothing should happen %d", 1)
	IntegrationError("still nothing")
}

func TestCategoriesFilter(t *testing.T) {
	resetForTest(t)
	core, logs := observer.New(zap.DebugLevel)
	UseLogger(zap.New(core), Options{Categories: map[string]bool{"bus": false}})

	assert.False(t, IsCategoryEnabled(CategoryBus))
	assert.True(t, IsCategoryEnabled(CategoryIntegration), "unlisted categories stay enabled")

	BusWarn("dropped")
	Integration("queued %s", "a1")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "integration", entries[0].LoggerName)
	assert.Equal(t, "queued a1", entries[0].Message)
}

func TestWithContextAttachesFields(t *testing.T) {
	resetForTest(t)
	core, logs := observer.New(zap.DebugLevel)
	UseLogger(zap.New(core), Options{})

	Get(CategoryPlugin).WithContext(map[string]interface{}{"path": "extensions/x.go"}).Debug("loaded")
	Get(CategoryStore).StructuredLog("error", "write failed", map[string]interface{}{"table": "artifacts"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "extensions/x.go", entries[0].ContextMap()["path"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "artifacts", entries[1].ContextMap()["table"])
}

func TestInitializeWritesFile(t *testing.T) {
	resetForTest(t)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws, Options{Level: "debug", ToFile: true, JSONFormat: true}))
	Coordinator("generation requested for %s", "data-processor")
	Sync()

	entries, err := os.ReadDir(LogsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(LogsDir() + "/" + entries[0].Name())
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "data-processor"))
	assert.True(t, strings.Contains(string(data), `"logger":"coordinator"`))
}

func TestInitializeRequiresWorkspace(t *testing.T) {
	assert.Error(t, Initialize("", Options{}))
}
