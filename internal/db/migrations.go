package db

import (
	"database/sql"
	"fmt"
)

// migration is one versioned schema step. Versions are applied in order and
// recorded in schema_migrations; a recorded version is never run again.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations is the ordered schema history. Append new migrations at the end;
// never edit one that has shipped.
var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		sql: `
CREATE TABLE users (
    id            INTEGER PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'manager', 'user')),
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at    DATETIME
);

CREATE UNIQUE INDEX idx_users_username_active
    ON users(username) WHERE deleted_at IS NULL;

CREATE TABLE locations (
    id         INTEGER PRIMARY KEY,
    code       TEXT NOT NULL,
    name       TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

CREATE UNIQUE INDEX idx_locations_code_active
    ON locations(code) WHERE deleted_at IS NULL;

CREATE TABLE audit_sessions (
    id            INTEGER PRIMARY KEY,
    code          TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    location_id   INTEGER REFERENCES locations(id) ON DELETE SET NULL,
    opened_by     INTEGER REFERENCES users(id),
    state         TEXT NOT NULL DEFAULT 'open' CHECK (state IN ('open', 'closed')),
    items_total   INTEGER NOT NULL DEFAULT 0,
    items_scanned INTEGER NOT NULL DEFAULT 0,
    discrepancies INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at     DATETIME
);

-- At most one open audit session system-wide.
CREATE UNIQUE INDEX idx_audit_sessions_single_open
    ON audit_sessions(state) WHERE state = 'open';

CREATE TABLE reconciled_items (
    id                INTEGER PRIMARY KEY,
    audit_session_id  INTEGER NOT NULL REFERENCES audit_sessions(id) ON DELETE CASCADE,
    product_code      TEXT NOT NULL,
    primary_lot       TEXT NOT NULL,
    lots              TEXT NOT NULL DEFAULT '[]',
    system_quantity   INTEGER NOT NULL DEFAULT 0,
    physical_quantity INTEGER NOT NULL DEFAULT 0,
    discrepancy_type  TEXT NOT NULL CHECK (discrepancy_type IN ('matches', 'excess', 'shortage')),
    notes             TEXT,
    pending_deduction INTEGER NOT NULL DEFAULT 0,
    recorded_by       INTEGER REFERENCES users(id),
    recorded_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (audit_session_id, product_code, primary_lot)
);

CREATE TABLE canonical_lots (
    id               INTEGER PRIMARY KEY,
    product_code     TEXT NOT NULL,
    lot_number       TEXT NOT NULL,
    location_id      INTEGER NOT NULL REFERENCES locations(id),
    quantity_on_hand INTEGER NOT NULL DEFAULT 0 CHECK (quantity_on_hand >= 0),
    expiry_date      TEXT NOT NULL DEFAULT '',
    active           INTEGER NOT NULL DEFAULT 0,
    last_ingested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (product_code, lot_number, location_id)
);

CREATE TABLE action_log (
    id          INTEGER PRIMARY KEY,
    actor_id    INTEGER,
    action      TEXT NOT NULL,
    description TEXT NOT NULL,
    table_name  TEXT NOT NULL,
    record_id   INTEGER,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`,
	},
	{
		version: 2,
		name:    "lookup indexes",
		sql: `
CREATE INDEX idx_canonical_lots_pair ON canonical_lots(product_code, location_id);
CREATE INDEX idx_reconciled_items_session ON reconciled_items(audit_session_id, recorded_at);
CREATE INDEX idx_action_log_record ON action_log(table_name, record_id);
`,
	},
	{
		version: 3,
		name:    "audit merge claim",
		sql: `
ALTER TABLE audit_sessions ADD COLUMN merging_at DATETIME;
`,
	},
}

// Migrate applies every migration that has not been recorded yet. It is run
// once at startup; request paths never inspect the schema.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, or 0.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// LatestVersion is the version Migrate brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("running migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name,
	); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.version, err)
	}
	return nil
}
