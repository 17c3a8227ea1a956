package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/courier/store"
)

// UpsertSessionMapping inserts or refreshes the topic-to-session binding.
// An upsert always reactivates the row; stale marks belong to sessions the
// backend has rejected, and a new binding supersedes that verdict.
func (d *DB) UpsertSessionMapping(ctx context.Context, upsert *store.SessionMapping) (*store.SessionMapping, error) {
	now := time.Now().Unix()
	createdTs := upsert.CreatedTs
	if createdTs == 0 {
		createdTs = now
	}
	lastUsedTs := upsert.LastUsedTs
	if lastUsedTs == 0 {
		lastUsedTs = now
	}
	status := upsert.Status
	if status == "" {
		status = store.SessionMappingStatusActive
	}

	stmt := `
		INSERT INTO session_mapping (session_key, session_id, status, created_ts, last_used_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			last_used_ts = excluded.last_used_ts
		RETURNING id, session_key, session_id, status, created_ts, last_used_ts
	`
	var mapping store.SessionMapping
	err := d.db.QueryRowContext(ctx, stmt,
		upsert.SessionKey,
		upsert.SessionID,
		status,
		createdTs,
		lastUsedTs,
	).Scan(
		&mapping.ID,
		&mapping.SessionKey,
		&mapping.SessionID,
		&mapping.Status,
		&mapping.CreatedTs,
		&mapping.LastUsedTs,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert session mapping")
	}
	return &mapping, nil
}

// ListSessionMappings lists session mappings, most recently used first.
func (d *DB) ListSessionMappings(ctx context.Context, find *store.FindSessionMapping) ([]*store.SessionMapping, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.SessionKey != nil {
		where, args = append(where, "session_key = ?"), append(args, *find.SessionKey)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `SELECT id, session_key, session_id, status, created_ts, last_used_ts
		FROM session_mapping
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY last_used_ts DESC, id DESC`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list session mappings")
	}
	defer rows.Close()

	var mappings []*store.SessionMapping
	for rows.Next() {
		var mapping store.SessionMapping
		if err := rows.Scan(
			&mapping.ID,
			&mapping.SessionKey,
			&mapping.SessionID,
			&mapping.Status,
			&mapping.CreatedTs,
			&mapping.LastUsedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan session mapping")
		}
		mappings = append(mappings, &mapping)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return mappings, nil
}

// MarkSessionMappingStale flags a binding as not resumable. A no-op when the
// key is unknown.
func (d *DB) MarkSessionMappingStale(ctx context.Context, sessionKey string) error {
	stmt := `UPDATE session_mapping SET status = ? WHERE session_key = ?`
	if _, err := d.db.ExecContext(ctx, stmt, store.SessionMappingStatusStale, sessionKey); err != nil {
		return errors.Wrap(err, "failed to mark session mapping stale")
	}
	return nil
}

// DeleteSessionMapping removes the binding for a session key.
func (d *DB) DeleteSessionMapping(ctx context.Context, delete *store.DeleteSessionMapping) error {
	stmt := `DELETE FROM session_mapping WHERE session_key = ?`
	if _, err := d.db.ExecContext(ctx, stmt, delete.SessionKey); err != nil {
		return errors.Wrap(err, "failed to delete session mapping")
	}
	return nil
}
