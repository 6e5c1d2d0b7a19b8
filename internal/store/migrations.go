package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id          TEXT PRIMARY KEY,
		batch_id    TEXT NOT NULL,
		slice_id    TEXT NOT NULL,
		config_id   TEXT NOT NULL,
		pattern     TEXT NOT NULL DEFAULT '',
		strategy    TEXT NOT NULL,
		benchmark   TEXT NOT NULL,
		item_index  INTEGER NOT NULL,
		item_id     TEXT NOT NULL DEFAULT '',
		prompt_a    TEXT NOT NULL DEFAULT '',
		prompt_b    TEXT NOT NULL DEFAULT '',
		prompt      TEXT NOT NULL DEFAULT '',
		response    TEXT NOT NULL DEFAULT '',
		latency_ms  INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		expected    TEXT NOT NULL DEFAULT '',
		extracted   TEXT NOT NULL DEFAULT '',
		method      TEXT NOT NULL DEFAULT '',
		correct     INTEGER NOT NULL DEFAULT 0,
		backend     TEXT NOT NULL DEFAULT '',
		worker_id   TEXT NOT NULL DEFAULT '',
		hostname    TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_batch_id ON records(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_records_slice_id ON records(slice_id)`,
	`CREATE INDEX IF NOT EXISTS idx_records_cell ON records(config_id, strategy, benchmark)`,

	`CREATE TABLE IF NOT EXISTS documents (
		key        TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
