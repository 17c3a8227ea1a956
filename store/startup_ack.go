package store

import "context"

// StartupAck is the note a restarting worker leaves for its next incarnation:
// which chat asked for the restart and should hear back once the worker is
// up. At most one is stored.
type StartupAck struct {
	ChatID      int64
	ThreadID    *int64
	RequestedTs int64
	Attempts    int
	LastError   *string
}

func (s *Store) UpsertStartupAck(ctx context.Context, upsert *StartupAck) (*StartupAck, error) {
	return s.driver.UpsertStartupAck(ctx, upsert)
}

// GetStartupAck returns the pending startup acknowledgement, or nil when none
// is due.
func (s *Store) GetStartupAck(ctx context.Context) (*StartupAck, error) {
	return s.driver.GetStartupAck(ctx)
}

func (s *Store) DeleteStartupAck(ctx context.Context) error {
	return s.driver.DeleteStartupAck(ctx)
}
