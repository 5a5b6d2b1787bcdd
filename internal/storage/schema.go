package storage

import (
	"context"
	"fmt"
)

// schemaDDL is the idempotent, backend-neutral schema used by the SQLite
// backend and by tests. The PostgreSQL backend normally gets the same
// schema through versioned migrations; the statements are harmless to
// re-run there.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS scan_instance (
		scan_id     TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		seed_target TEXT NOT NULL,
		seed_type   TEXT NOT NULL,
		created     BIGINT NOT NULL,
		started     BIGINT NOT NULL DEFAULT 0,
		ended       BIGINT NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		modules     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS scan_config (
		scan_id   TEXT NOT NULL,
		component TEXT NOT NULL,
		opt       TEXT NOT NULL,
		val       TEXT NOT NULL,
		PRIMARY KEY (scan_id, component, opt)
	)`,
	`CREATE TABLE IF NOT EXISTS scan_event (
		scan_id        TEXT NOT NULL,
		hash           TEXT NOT NULL,
		type           TEXT NOT NULL,
		generated      DOUBLE PRECISION NOT NULL,
		confidence     INTEGER NOT NULL,
		visibility     INTEGER NOT NULL,
		risk           INTEGER NOT NULL,
		module         TEXT NOT NULL,
		data           TEXT NOT NULL,
		source_hash    TEXT NOT NULL DEFAULT '',
		false_positive INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scan_id, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_event_type ON scan_event (scan_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_event_source ON scan_event (scan_id, source_hash)`,
	`CREATE TABLE IF NOT EXISTS scan_event_seen (
		scan_id TEXT NOT NULL,
		hash    TEXT NOT NULL,
		PRIMARY KEY (scan_id, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS module_state (
		scan_id         TEXT NOT NULL,
		module          TEXT NOT NULL,
		status          TEXT NOT NULL,
		events_produced BIGINT NOT NULL DEFAULT 0,
		started         BIGINT NOT NULL DEFAULT 0,
		ended           BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (scan_id, module)
	)`,
	`CREATE TABLE IF NOT EXISTS scan_log (
		scan_id   TEXT NOT NULL,
		generated DOUBLE PRECISION NOT NULL,
		component TEXT NOT NULL,
		type      TEXT NOT NULL,
		message   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_log_scan ON scan_log (scan_id, generated)`,
	`CREATE TABLE IF NOT EXISTS tbl_scan_correlation_results (
		scan_id        TEXT NOT NULL,
		correlation_id TEXT PRIMARY KEY,
		rule_id        TEXT NOT NULL,
		rule_name      TEXT NOT NULL,
		rule_descr     TEXT NOT NULL,
		rule_risk      TEXT NOT NULL,
		rule_logic     TEXT NOT NULL,
		title          TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tbl_scan_correlation_results_events (
		correlation_id TEXT NOT NULL,
		event_hash     TEXT NOT NULL,
		PRIMARY KEY (correlation_id, event_hash)
	)`,
}

// EnsureSchema creates the schema if it does not exist yet. Idempotent.
func (c *Connection) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}

	return nil
}
