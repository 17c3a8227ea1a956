package postgres

import (
	"context"

	"github.com/pkg/errors"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS session_mapping (
		id SERIAL PRIMARY KEY,
		session_key TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_ts BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
		last_used_ts BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
	)`,
	`CREATE TABLE IF NOT EXISTS worker_state (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_binding (
		id SERIAL PRIMARY KEY,
		topic_key TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		updated_ts BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_history (
		id SERIAL PRIMARY KEY,
		topic_key TEXT NOT NULL,
		path TEXT NOT NULL,
		last_used_ts BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
		UNIQUE (topic_key, path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workspace_history_topic_key ON workspace_history (topic_key, last_used_ts)`,
	`CREATE TABLE IF NOT EXISTS scheduled_message (
		id BIGSERIAL PRIMARY KEY,
		chat_id BIGINT NOT NULL,
		thread_id BIGINT,
		body TEXT NOT NULL,
		send_at_ts BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		delivery_ack BOOLEAN NOT NULL DEFAULT FALSE,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_ts BIGINT NOT NULL DEFAULT 0,
		last_error TEXT,
		created_ts BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
		sent_ts BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_message_due ON scheduled_message (status, send_at_ts)`,
	`CREATE TABLE IF NOT EXISTS startup_ack (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		chat_id BIGINT NOT NULL,
		thread_id BIGINT,
		requested_ts BIGINT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
}

// Migrate applies the latest schema. Every statement is idempotent, so the
// whole list runs on each startup.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply latest schema")
		}
	}
	return nil
}
