package store

import "context"

// SessionMappingStatus represents the lifecycle state of a session mapping.
type SessionMappingStatus string

const (
	// SessionMappingStatusActive means the session may be resumed.
	SessionMappingStatusActive SessionMappingStatus = "ACTIVE"
	// SessionMappingStatusStale means the backend rejected or outlived the
	// session. Stale rows are never handed out; the next successful turn
	// overwrites them.
	SessionMappingStatusStale SessionMappingStatus = "STALE"
)

// SessionMapping binds a conversation topic to a backend model session so a
// restarted worker can resume where it left off.
type SessionMapping struct {
	ID         int32
	SessionKey string
	SessionID  string
	Status     SessionMappingStatus
	CreatedTs  int64
	LastUsedTs int64
}

// FindSessionMapping is the find condition for session mappings.
type FindSessionMapping struct {
	ID         *int32
	SessionKey *string
	Status     *SessionMappingStatus
	Limit      *int
}

// DeleteSessionMapping is the delete condition for session mappings.
type DeleteSessionMapping struct {
	SessionKey string
}

func (s *Store) UpsertSessionMapping(ctx context.Context, upsert *SessionMapping) (*SessionMapping, error) {
	return s.driver.UpsertSessionMapping(ctx, upsert)
}

func (s *Store) ListSessionMappings(ctx context.Context, find *FindSessionMapping) ([]*SessionMapping, error) {
	return s.driver.ListSessionMappings(ctx, find)
}

// GetSessionMapping returns the mapping for a session key, or nil when none
// is stored. Callers decide how to treat stale rows.
func (s *Store) GetSessionMapping(ctx context.Context, sessionKey string) (*SessionMapping, error) {
	list, err := s.driver.ListSessionMappings(ctx, &FindSessionMapping{SessionKey: &sessionKey})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// MarkSessionMappingStale flags the mapping so it is never resumed again.
// Missing rows are not an error.
func (s *Store) MarkSessionMappingStale(ctx context.Context, sessionKey string) error {
	return s.driver.MarkSessionMappingStale(ctx, sessionKey)
}

func (s *Store) DeleteSessionMapping(ctx context.Context, delete *DeleteSessionMapping) error {
	return s.driver.DeleteSessionMapping(ctx, delete)
}
