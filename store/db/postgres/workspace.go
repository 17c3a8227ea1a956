package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/courier/store"
)

// UpsertWorkspaceBinding rebinds a topic's workspace and touches the history
// entry in the same transaction.
func (d *DB) UpsertWorkspaceBinding(ctx context.Context, upsert *store.WorkspaceBinding) (*store.WorkspaceBinding, error) {
	updatedTs := upsert.UpdatedTs
	if updatedTs == 0 {
		updatedTs = time.Now().Unix()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO workspace_binding (topic_key, path, updated_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (topic_key) DO UPDATE SET
			path = EXCLUDED.path,
			updated_ts = EXCLUDED.updated_ts
		RETURNING id, topic_key, path, updated_ts
	`
	var binding store.WorkspaceBinding
	if err := tx.QueryRowContext(ctx, stmt, upsert.TopicKey, upsert.Path, updatedTs).Scan(
		&binding.ID,
		&binding.TopicKey,
		&binding.Path,
		&binding.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert workspace binding")
	}

	if _, err := tx.ExecContext(ctx, touchWorkspaceHistoryStmt, upsert.TopicKey, upsert.Path, updatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to touch workspace history")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return &binding, nil
}

func (d *DB) ListWorkspaceBindings(ctx context.Context, find *store.FindWorkspaceBinding) ([]*store.WorkspaceBinding, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.TopicKey != nil {
		where, args = append(where, "topic_key = "+placeholder(len(args)+1)), append(args, *find.TopicKey)
	}

	query := `SELECT id, topic_key, path, updated_ts
		FROM workspace_binding
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC, id DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workspace bindings")
	}
	defer rows.Close()

	var bindings []*store.WorkspaceBinding
	for rows.Next() {
		var binding store.WorkspaceBinding
		if err := rows.Scan(&binding.ID, &binding.TopicKey, &binding.Path, &binding.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan workspace binding")
		}
		bindings = append(bindings, &binding)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return bindings, nil
}

const touchWorkspaceHistoryStmt = `
	INSERT INTO workspace_history (topic_key, path, last_used_ts)
	VALUES ($1, $2, $3)
	ON CONFLICT (topic_key, path) DO UPDATE SET
		last_used_ts = EXCLUDED.last_used_ts
`

// TouchWorkspaceHistory records that a topic used a path.
func (d *DB) TouchWorkspaceHistory(ctx context.Context, topicKey, path string, usedTs int64) error {
	if usedTs == 0 {
		usedTs = time.Now().Unix()
	}
	if _, err := d.db.ExecContext(ctx, touchWorkspaceHistoryStmt, topicKey, path, usedTs); err != nil {
		return errors.Wrap(err, "failed to touch workspace history")
	}
	return nil
}

// ListWorkspaceHistory lists paths a topic has used, most recently used first.
func (d *DB) ListWorkspaceHistory(ctx context.Context, find *store.FindWorkspaceHistory) ([]*store.WorkspaceHistoryEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.TopicKey != nil {
		where, args = append(where, "topic_key = "+placeholder(len(args)+1)), append(args, *find.TopicKey)
	}

	query := `SELECT id, topic_key, path, last_used_ts
		FROM workspace_history
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY last_used_ts DESC, id DESC`
	if find.Limit != nil {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workspace history")
	}
	defer rows.Close()

	var entries []*store.WorkspaceHistoryEntry
	for rows.Next() {
		var entry store.WorkspaceHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.TopicKey, &entry.Path, &entry.LastUsedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan workspace history entry")
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
