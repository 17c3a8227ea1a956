package store

import "context"

// WorkspaceBinding is the current workspace path for a topic. Every
// successful rebind also touches a WorkspaceHistoryEntry.
type WorkspaceBinding struct {
	ID        int32
	TopicKey  string
	Path      string
	UpdatedTs int64
}

// FindWorkspaceBinding is the find condition for workspace bindings.
type FindWorkspaceBinding struct {
	ID       *int32
	TopicKey *string
}

// WorkspaceHistoryEntry records one workspace path a topic has used. The
// (topic, path) pair is unique; re-binding to a known path only bumps
// LastUsedTs.
type WorkspaceHistoryEntry struct {
	ID         int32
	TopicKey   string
	Path       string
	LastUsedTs int64
}

// FindWorkspaceHistory is the find condition for workspace history.
type FindWorkspaceHistory struct {
	TopicKey *string
	Limit    *int
}

func (s *Store) UpsertWorkspaceBinding(ctx context.Context, upsert *WorkspaceBinding) (*WorkspaceBinding, error) {
	return s.driver.UpsertWorkspaceBinding(ctx, upsert)
}

func (s *Store) ListWorkspaceBindings(ctx context.Context, find *FindWorkspaceBinding) ([]*WorkspaceBinding, error) {
	return s.driver.ListWorkspaceBindings(ctx, find)
}

// GetWorkspaceBinding returns the binding for a topic, or nil when the topic
// never set one.
func (s *Store) GetWorkspaceBinding(ctx context.Context, topicKey string) (*WorkspaceBinding, error) {
	list, err := s.driver.ListWorkspaceBindings(ctx, &FindWorkspaceBinding{TopicKey: &topicKey})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// TouchWorkspaceHistory records that a topic used a path, inserting the pair
// or bumping its last-used timestamp.
func (s *Store) TouchWorkspaceHistory(ctx context.Context, topicKey, path string, usedTs int64) error {
	return s.driver.TouchWorkspaceHistory(ctx, topicKey, path, usedTs)
}

func (s *Store) ListWorkspaceHistory(ctx context.Context, find *FindWorkspaceHistory) ([]*WorkspaceHistoryEntry, error) {
	return s.driver.ListWorkspaceHistory(ctx, find)
}
