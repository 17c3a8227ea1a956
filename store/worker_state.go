package store

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// Well-known worker state names.
const (
	// WorkerStatePollCursor is the transport poll cursor, persisted after
	// every handled update so a restart never re-reads history.
	WorkerStatePollCursor = "poll_cursor"
	// WorkerStateSchemaVersion is the version stamp written by Migrate.
	WorkerStateSchemaVersion = "schema_version"
)

// WorkerState is a named piece of worker bookkeeping, stored as text.
type WorkerState struct {
	Name  string
	Value string
}

func (s *Store) UpsertWorkerState(ctx context.Context, upsert *WorkerState) (*WorkerState, error) {
	return s.driver.UpsertWorkerState(ctx, upsert)
}

// GetWorkerState returns the named state, or nil when it was never written.
func (s *Store) GetWorkerState(ctx context.Context, name string) (*WorkerState, error) {
	return s.driver.GetWorkerState(ctx, name)
}

// GetPollCursor returns the persisted poll cursor. The second return is false
// when no cursor has been stored yet.
func (s *Store) GetPollCursor(ctx context.Context) (int64, bool, error) {
	state, err := s.driver.GetWorkerState(ctx, WorkerStatePollCursor)
	if err != nil {
		return 0, false, err
	}
	if state == nil {
		return 0, false, nil
	}
	cursor, err := strconv.ParseInt(state.Value, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "malformed poll cursor %q", state.Value)
	}
	return cursor, true, nil
}

func (s *Store) SetPollCursor(ctx context.Context, cursor int64) error {
	_, err := s.driver.UpsertWorkerState(ctx, &WorkerState{
		Name:  WorkerStatePollCursor,
		Value: strconv.FormatInt(cursor, 10),
	})
	return err
}
