package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/coordinator"
	"hotforge/internal/integration"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sample(id, rel string, created time.Time) *artifact.Artifact {
	return &artifact.Artifact{
		ID:        id,
		Purpose:   artifact.Stem(rel),
		Type:      "service",
		Path:      rel,
		Source:    "package main\n",
		Status:    artifact.StatusPending,
		CreatedAt: created,
		Metadata:  map[string]string{"origin": "test"},
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	j := openMemory(t)
	for _, table := range []string{"schema_versions", "artifacts", "integration_events", "modules"} {
		assert.True(t, tableExists(j.db, table), table)
	}
	assert.True(t, columnExists(j.db, "artifacts", "metadata"))
	assert.True(t, columnExists(j.db, "integration_events", "kind"))
	assert.Equal(t, CurrentSchemaVersion, schemaVersion(j.db))
}

func TestOpenMigratesVersionOneDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER NOT NULL, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (1, '2024-01-01T00:00:00Z');
		CREATE TABLE artifacts (
			id TEXT PRIMARY KEY, purpose TEXT NOT NULL, type TEXT NOT NULL, path TEXT NOT NULL,
			status TEXT NOT NULL, hash TEXT NOT NULL, error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL, updated_at TEXT NOT NULL
		);
		INSERT INTO artifacts VALUES ('old', 'legacy', 'module', 'generated/legacy.go', 'integrated', 'abc', '',
			'2024-01-01T00:00:00.000000000Z', '2024-01-01T00:00:00.000000000Z');
		CREATE TABLE integration_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT, artifact_id TEXT NOT NULL, name TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '', detail TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL
		);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, CurrentSchemaVersion, schemaVersion(j.db))
	rows, err := j.History(context.Background(), HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0].ID)
	assert.Empty(t, rows[0].Metadata)
	assert.Equal(t, artifact.StatusIntegrated, rows[0].Status)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordArtifact(ctx, sample("a1", "generated/one.go", time.Now())))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	var versions int
	require.NoError(t, j.db.QueryRow("SELECT COUNT(*) FROM schema_versions").Scan(&versions))
	assert.Equal(t, 1, versions)

	rows, err := j.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]string{"origin": "test"}, rows[0].Metadata)
}

func TestRecordArtifactUpserts(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	a := sample("a1", "generated/one.go", created)
	require.NoError(t, j.RecordArtifact(ctx, a))

	a.Source = "package main\n\nfunc Handle() {}\n"
	a.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, j.RecordArtifact(ctx, a))

	rows, err := j.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a.Hash(), rows[0].Hash)
	assert.True(t, rows[0].CreatedAt.Equal(created))
	assert.True(t, rows[0].UpdatedAt.Equal(created.Add(time.Minute)))
}

func TestHistoryFilters(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordArtifact(ctx, sample("a1", "generated/one.go", base)))
	require.NoError(t, j.RecordArtifact(ctx, sample("a2", "generated/two.go", base.Add(time.Second))))
	require.NoError(t, j.RecordArtifact(ctx, sample("a3", "generated/one.go", base.Add(2*time.Second))))
	require.NoError(t, j.SetStatus(ctx, "a2", artifact.StatusFailed, "boom"))

	all, err := j.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, r := range all {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"a3", "a2", "a1"}, ids)

	byPath, err := j.History(ctx, HistoryQuery{Path: "generated/one.go", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byPath, 1)
	assert.Equal(t, "a3", byPath[0].ID)

	failed, err := j.History(ctx, HistoryQuery{Status: artifact.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)
}

func TestAttachJournalsPipeline(t *testing.T) {
	j := openMemory(t)
	b := bus.New(bus.DefaultOptions())
	j.Attach(b)
	ctx := context.Background()

	a := sample("a1", "services/cache.go", time.Now())
	b.Emit(bus.GenerateComplete, a)
	b.Emit(bus.IntegrationStarted, integration.StartedPayload{ArtifactID: "a1", Path: a.Path})
	b.Emit(bus.IntegrationStage, integration.StagePayload{ArtifactID: "a1", Path: a.Path, Stage: "hot_load"})
	b.Emit(bus.ModuleRegister, integration.ModuleRegistration{
		ID: "services/cache.go", Name: "cache", Kind: "module", Status: "active", Health: integration.HealthHealthy,
	})
	b.Emit(bus.IntegrationCompleted, integration.CompletedPayload{
		Artifact: a.Clone(),
		Module:   integration.ModuleInfo{Key: "services/cache.go#1-abc"},
	})

	rows, err := j.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, artifact.StatusIntegrated, rows[0].Status)

	events, err := j.Events(ctx, "a1")
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	assert.Equal(t, []string{
		bus.GenerateComplete, bus.IntegrationStarted, bus.IntegrationStage, bus.IntegrationCompleted,
	}, names)
	assert.Equal(t, "hot_load", events[2].Stage)
	assert.Equal(t, "services/cache.go#1-abc", events[3].Detail)

	mods, err := j.Modules(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "cache", mods[0].Name)

	b.Emit(bus.ModuleUnregister, integration.ModuleUnregistration{ID: "services/cache.go"})
	mods, err = j.Modules(ctx)
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestAttachJournalsFailures(t *testing.T) {
	j := openMemory(t)
	b := bus.New(bus.DefaultOptions())
	j.Attach(b)
	ctx := context.Background()

	a := sample("a1", "generated/bad.go", time.Now())
	b.Emit(bus.GenerateComplete, a)
	b.Emit(bus.IntegrationFailed, integration.FailedPayload{
		Artifact: a.Clone(), Stage: "syntax_validation", Kind: "syntax", Error: "expected ';'",
	})
	b.Emit(bus.GenerateFailed, coordinator.GenerateFailedPayload{
		Request: artifact.Request{Purpose: "  "}, Error: "purpose is required",
	})

	rows, err := j.History(ctx, HistoryQuery{Status: artifact.StatusFailed})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "expected ';'", rows[0].Error)

	events, err := j.Events(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "syntax", events[1].Kind)

	orphans, err := j.Events(ctx, "")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, bus.GenerateFailed, orphans[0].Name)
	assert.Contains(t, orphans[0].Detail, "purpose is required")
}

func TestDetachStopsJournaling(t *testing.T) {
	j := openMemory(t)
	b := bus.New(bus.DefaultOptions())
	j.Attach(b)
	j.Detach()

	b.Emit(bus.GenerateComplete, sample("a1", "generated/one.go", time.Now()))
	rows, err := j.History(context.Background(), HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, b.Subscribers(bus.GenerateComplete))
}
