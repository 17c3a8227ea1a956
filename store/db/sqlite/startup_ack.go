package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/courier/store"
)

// UpsertStartupAck replaces the pending startup acknowledgement. The table
// holds at most one row; a second restart request before the first ack is
// delivered simply retargets it.
func (d *DB) UpsertStartupAck(ctx context.Context, upsert *store.StartupAck) (*store.StartupAck, error) {
	var threadID sql.NullInt64
	if upsert.ThreadID != nil {
		threadID = sql.NullInt64{Int64: *upsert.ThreadID, Valid: true}
	}
	var lastError sql.NullString
	if upsert.LastError != nil {
		lastError = sql.NullString{String: *upsert.LastError, Valid: true}
	}

	stmt := `
		INSERT INTO startup_ack (id, chat_id, thread_id, requested_ts, attempts, last_error)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			chat_id = excluded.chat_id,
			thread_id = excluded.thread_id,
			requested_ts = excluded.requested_ts,
			attempts = excluded.attempts,
			last_error = excluded.last_error
		RETURNING chat_id, thread_id, requested_ts, attempts, last_error
	`
	row := d.db.QueryRowContext(ctx, stmt,
		upsert.ChatID,
		threadID,
		upsert.RequestedTs,
		upsert.Attempts,
		lastError,
	)
	ack, err := scanStartupAck(row)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert startup ack")
	}
	return ack, nil
}

// GetStartupAck returns the pending startup acknowledgement, or nil when none
// is due.
func (d *DB) GetStartupAck(ctx context.Context) (*store.StartupAck, error) {
	stmt := `SELECT chat_id, thread_id, requested_ts, attempts, last_error FROM startup_ack WHERE id = 1`
	ack, err := scanStartupAck(d.db.QueryRowContext(ctx, stmt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get startup ack")
	}
	return ack, nil
}

func (d *DB) DeleteStartupAck(ctx context.Context) error {
	stmt := `DELETE FROM startup_ack WHERE id = 1`
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "failed to delete startup ack")
	}
	return nil
}

func scanStartupAck(row *sql.Row) (*store.StartupAck, error) {
	var ack store.StartupAck
	var threadID sql.NullInt64
	var lastError sql.NullString
	if err := row.Scan(&ack.ChatID, &threadID, &ack.RequestedTs, &ack.Attempts, &lastError); err != nil {
		return nil, err
	}
	if threadID.Valid {
		ack.ThreadID = &threadID.Int64
	}
	if lastError.Valid {
		ack.LastError = &lastError.String
	}
	return &ack, nil
}
