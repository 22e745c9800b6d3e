// Package store is the SQLite journal of artifacts, integration progress and
// loaded modules. It is fed from the bus and is read back by `forge history`.
// The journal is diagnostic: nothing in the pipeline reads it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/coordinator"
	"hotforge/internal/integration"
	"hotforge/internal/logging"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ArtifactRow is one journaled artifact.
type ArtifactRow struct {
	ID        string            `json:"id"`
	Purpose   string            `json:"purpose"`
	Type      string            `json:"type"`
	Path      string            `json:"path"`
	Status    artifact.Status   `json:"status"`
	Hash      string            `json:"hash"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// EventRow is one journaled pipeline event for an artifact.
type EventRow struct {
	ArtifactID string    `json:"artifactId"`
	Name       string    `json:"event"`
	Stage      string    `json:"stage,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ModuleRow is one registered module.
type ModuleRow struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Health       string    `json:"health"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// HistoryQuery filters History. Zero values match everything.
type HistoryQuery struct {
	Path   string
	Status artifact.Status
	Limit  int
}

// Journal is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
	now  func() time.Time
	bus  *bus.Bus
	subs []bus.Subscription
}

// Open opens or creates the journal at path. ":memory:" is accepted.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("journal opened at %s", path)
	return &Journal{db: db, path: path, now: time.Now}, nil
}

// Close detaches from the bus and closes the database.
func (j *Journal) Close() error {
	j.Detach()
	return j.db.Close()
}

// RecordArtifact inserts or updates a.
func (j *Journal) RecordArtifact(ctx context.Context, a *artifact.Artifact) error {
	md, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = a.CreatedAt
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, purpose, type, path, status, hash, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			status = excluded.status,
			hash = excluded.hash,
			error = excluded.error,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		a.ID, a.Purpose, a.Type, a.Path, string(a.Status), a.Hash(), a.Error, string(md),
		a.CreatedAt.UTC().Format(timeFormat), updated.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.ID, err)
	}
	return nil
}

// SetStatus updates the status of a journaled artifact.
func (j *Journal) SetStatus(ctx context.Context, id string, status artifact.Status, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx, "UPDATE artifacts SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		string(status), errMsg, j.now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", id, err)
	}
	return nil
}

// RecordEvent appends one pipeline event.
func (j *Journal) RecordEvent(ctx context.Context, e EventRow) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO integration_events (artifact_id, name, stage, kind, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.ArtifactID, e.Name, e.Stage, e.Kind, e.Detail, e.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.Name, err)
	}
	return nil
}

// RecordModule upserts a registered module.
func (j *Journal) RecordModule(ctx context.Context, m ModuleRow) error {
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = j.now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO modules (id, name, kind, status, health, registered_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind, status = excluded.status,
			health = excluded.health, registered_at = excluded.registered_at`,
		m.ID, m.Name, m.Kind, m.Status, m.Health, m.RegisteredAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record module %s: %w", m.ID, err)
	}
	return nil
}

// RemoveModule deletes a module row. Unknown ids are ignored.
func (j *Journal) RemoveModule(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.ExecContext(ctx, "DELETE FROM modules WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove module %s: %w", id, err)
	}
	return nil
}

// History returns journaled artifacts, newest first.
func (j *Journal) History(ctx context.Context, q HistoryQuery) ([]ArtifactRow, error) {
	var (
		where []string
		args  []any
	)
	if q.Path != "" {
		where = append(where, "path = ?")
		args = append(args, q.Path)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	query := "SELECT id, purpose, type, path, status, hash, error, metadata, created_at, updated_at FROM artifacts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ArtifactRow
	for rows.Next() {
		var (
			r                ArtifactRow
			status, md       string
			created, updated string
		)
		if err := rows.Scan(&r.ID, &r.Purpose, &r.Type, &r.Path, &status, &r.Hash, &r.Error, &md, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		r.Status = artifact.Status(status)
		if md != "" && md != "null" {
			if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
				logging.StoreWarn("artifact %s has unreadable metadata: %v", r.ID, err)
			}
		}
		r.CreatedAt, _ = time.Parse(timeFormat, created)
		r.UpdatedAt, _ = time.Parse(timeFormat, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Events returns the journaled events of one artifact, oldest first.
func (j *Journal) Events(ctx context.Context, artifactID string) ([]EventRow, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx,
		"SELECT artifact_id, name, stage, kind, detail, created_at FROM integration_events WHERE artifact_id = ? ORDER BY id",
		artifactID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			e       EventRow
			created string
		)
		if err := rows.Scan(&e.ArtifactID, &e.Name, &e.Stage, &e.Kind, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Modules returns the registered modules ordered by id.
func (j *Journal) Modules(ctx context.Context) ([]ModuleRow, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, "SELECT id, name, kind, status, health, registered_at FROM modules ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	var out []ModuleRow
	for rows.Next() {
		var (
			m          ModuleRow
			registered string
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.Kind, &m.Status, &m.Health, &registered); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		m.RegisteredAt, _ = time.Parse(timeFormat, registered)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// BUS FEED
// =============================================================================

// Attach journals the artifact lifecycle events published on b.
func (j *Journal) Attach(b *bus.Bus) {
	handlers := []struct {
		name string
		fn   func(bus.Event) error
	}{
		{bus.GenerateComplete, j.onArtifact},
		{bus.ModifyComplete, j.onArtifact},
		{bus.GenerateFailed, j.onGenerateFailed},
		{bus.IntegrationStarted, j.onIntegration},
		{bus.IntegrationStage, j.onIntegration},
		{bus.IntegrationCompleted, j.onIntegration},
		{bus.IntegrationFailed, j.onIntegration},
		{bus.ModuleRegister, j.onModule},
		{bus.ModuleUnregister, j.onModule},
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bus = b
	for _, h := range handlers {
		j.subs = append(j.subs, b.Subscribe("store", h.name, logged(h.fn)))
	}
}

// Detach removes the bus subscriptions made by Attach.
func (j *Journal) Detach() {
	j.mu.Lock()
	b, subs := j.bus, j.subs
	j.bus, j.subs = nil, nil
	j.mu.Unlock()
	for _, s := range subs {
		b.Unsubscribe(s)
	}
}

func logged(fn func(bus.Event) error) bus.Handler {
	return func(ev bus.Event) {
		if err := fn(ev); err != nil {
			logging.StoreError("journal %s: %v", ev.Name, err)
		}
	}
}

func (j *Journal) onArtifact(ev bus.Event) error {
	ctx := context.Background()
	var a *artifact.Artifact
	switch p := ev.Payload.(type) {
	case *artifact.Artifact:
		a = p
	case artifact.Modified:
		a = p.Artifact
	case *artifact.Modified:
		if p != nil {
			a = p.Artifact
		}
	}
	if a == nil {
		return nil
	}
	if err := j.RecordArtifact(ctx, a); err != nil {
		return err
	}
	return j.RecordEvent(ctx, EventRow{ArtifactID: a.ID, Name: ev.Name, CreatedAt: ev.Timestamp})
}

func (j *Journal) onGenerateFailed(ev bus.Event) error {
	p, ok := ev.Payload.(coordinator.GenerateFailedPayload)
	if !ok {
		return nil
	}
	detail, _ := json.Marshal(p.Request)
	return j.RecordEvent(context.Background(), EventRow{
		Name:      ev.Name,
		Kind:      "request_validation",
		Detail:    p.Error + " " + string(detail),
		CreatedAt: ev.Timestamp,
	})
}

func (j *Journal) onIntegration(ev bus.Event) error {
	ctx := context.Background()
	row := EventRow{Name: ev.Name, CreatedAt: ev.Timestamp}
	switch p := ev.Payload.(type) {
	case integration.StartedPayload:
		row.ArtifactID = p.ArtifactID
	case integration.StagePayload:
		row.ArtifactID, row.Stage = p.ArtifactID, p.Stage
	case integration.CompletedPayload:
		if p.Artifact == nil {
			return nil
		}
		row.ArtifactID, row.Stage, row.Detail = p.Artifact.ID, "completed", p.Module.Key
		if err := j.SetStatus(ctx, p.Artifact.ID, artifact.StatusIntegrated, ""); err != nil {
			return err
		}
	case integration.FailedPayload:
		if p.Artifact == nil {
			return nil
		}
		row.ArtifactID, row.Stage, row.Kind, row.Detail = p.Artifact.ID, p.Stage, p.Kind, p.Error
		if err := j.SetStatus(ctx, p.Artifact.ID, artifact.StatusFailed, p.Error); err != nil {
			return err
		}
	default:
		return nil
	}
	return j.RecordEvent(ctx, row)
}

func (j *Journal) onModule(ev bus.Event) error {
	ctx := context.Background()
	switch p := ev.Payload.(type) {
	case integration.ModuleRegistration:
		return j.RecordModule(ctx, ModuleRow{
			ID: p.ID, Name: p.Name, Kind: p.Kind, Status: p.Status, Health: p.Health, RegisteredAt: ev.Timestamp,
		})
	case integration.ModuleUnregistration:
		return j.RemoveModule(ctx, p.ID)
	}
	return nil
}
