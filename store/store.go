package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/courier/internal/profile"
	"github.com/hrygo/courier/internal/version"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	UpsertSessionMapping(ctx context.Context, upsert *SessionMapping) (*SessionMapping, error)
	ListSessionMappings(ctx context.Context, find *FindSessionMapping) ([]*SessionMapping, error)
	MarkSessionMappingStale(ctx context.Context, sessionKey string) error
	DeleteSessionMapping(ctx context.Context, delete *DeleteSessionMapping) error

	UpsertWorkerState(ctx context.Context, upsert *WorkerState) (*WorkerState, error)
	GetWorkerState(ctx context.Context, name string) (*WorkerState, error)

	UpsertWorkspaceBinding(ctx context.Context, upsert *WorkspaceBinding) (*WorkspaceBinding, error)
	ListWorkspaceBindings(ctx context.Context, find *FindWorkspaceBinding) ([]*WorkspaceBinding, error)
	TouchWorkspaceHistory(ctx context.Context, topicKey, path string, usedTs int64) error
	ListWorkspaceHistory(ctx context.Context, find *FindWorkspaceHistory) ([]*WorkspaceHistoryEntry, error)

	CreateScheduledMessage(ctx context.Context, create *ScheduledMessage) (*ScheduledMessage, error)
	ListScheduledMessages(ctx context.Context, find *FindScheduledMessage) ([]*ScheduledMessage, error)
	UpdateScheduledMessage(ctx context.Context, update *UpdateScheduledMessage) (*ScheduledMessage, error)
	DeleteScheduledMessage(ctx context.Context, delete *DeleteScheduledMessage) error

	UpsertStartupAck(ctx context.Context, upsert *StartupAck) (*StartupAck, error)
	GetStartupAck(ctx context.Context) (*StartupAck, error)
	DeleteStartupAck(ctx context.Context) error
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.driver.Ping(ctx)
}

// Migrate brings the schema up to date and stamps the running version.
// Opening a data directory written by a newer build is refused; relay rows
// carry delivery state whose meaning may change between versions.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.driver.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to migrate schema")
	}

	current := version.Version
	state, err := s.driver.GetWorkerState(ctx, WorkerStateSchemaVersion)
	if err != nil {
		return errors.Wrap(err, "failed to read schema version")
	}
	if state != nil && version.IsVersionGreaterThan(state.Value, current) {
		return errors.Errorf("data directory was written by a newer version %s, refusing to open with %s", state.Value, current)
	}
	if _, err := s.driver.UpsertWorkerState(ctx, &WorkerState{
		Name:  WorkerStateSchemaVersion,
		Value: current,
	}); err != nil {
		return errors.Wrap(err, "failed to stamp schema version")
	}
	return nil
}
