package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/courier/store"
)

func (d *DB) UpsertWorkerState(ctx context.Context, upsert *store.WorkerState) (*store.WorkerState, error) {
	stmt := `
		INSERT INTO worker_state (name, value)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value
		RETURNING name, value
	`
	var state store.WorkerState
	if err := d.db.QueryRowContext(ctx, stmt, upsert.Name, upsert.Value).Scan(&state.Name, &state.Value); err != nil {
		return nil, errors.Wrap(err, "failed to upsert worker state")
	}
	return &state, nil
}

func (d *DB) GetWorkerState(ctx context.Context, name string) (*store.WorkerState, error) {
	stmt := `SELECT name, value FROM worker_state WHERE name = $1`
	var state store.WorkerState
	err := d.db.QueryRowContext(ctx, stmt, name).Scan(&state.Name, &state.Value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get worker state")
	}
	return &state, nil
}
