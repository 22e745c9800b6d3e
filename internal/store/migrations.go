package store

import (
	"database/sql"
	"fmt"
	"time"

	"hotforge/internal/logging"
)

// Schema versions:
// v1: artifacts and integration_events
// v2: modules table, artifacts.metadata, integration_events.kind
const CurrentSchemaVersion = 2

const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_versions (
	version INTEGER NOT NULL,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	purpose TEXT NOT NULL,
	type TEXT NOT NULL,
	path TEXT NOT NULL,
	status TEXT NOT NULL,
	hash TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_path ON artifacts(path);

CREATE TABLE IF NOT EXISTS integration_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	artifact_id TEXT NOT NULL,
	name TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_artifact ON integration_events(artifact_id);

CREATE TABLE IF NOT EXISTS modules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	health TEXT NOT NULL,
	registered_at TEXT NOT NULL
);
`

// Migration adds a column that older databases lack.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations upgrade v1 databases in place.
var pendingMigrations = []Migration{
	{"artifacts", "metadata", "TEXT NOT NULL DEFAULT '{}'"},
	{"integration_events", "kind", "TEXT NOT NULL DEFAULT ''"},
}

// migrate creates missing tables, adds missing columns and records the
// schema version.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("executing migration: %s", query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}

	if v := schemaVersion(db); v < CurrentSchemaVersion {
		if _, err := db.Exec("INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
			CurrentSchemaVersion, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		logging.Store("schema upgraded from v%d to v%d (%d columns added)", v, CurrentSchemaVersion, applied)
	}
	return nil
}

// schemaVersion returns the recorded version, 0 when none is recorded.
func schemaVersion(db *sql.DB) int {
	var v sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_versions").Scan(&v); err != nil || !v.Valid {
		return 0
	}
	return int(v.Int64)
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name, ctype  string
			notnull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &defaultValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
