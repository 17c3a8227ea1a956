package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/courier/relay/topic"
	"github.com/hrygo/courier/store"
)

type fakeWorkspaceBacking struct {
	mu       sync.Mutex
	bindings map[string]*store.WorkspaceBinding
	touches  []string
	getErr   error
}

func newFakeWorkspaceBacking() *fakeWorkspaceBacking {
	return &fakeWorkspaceBacking{bindings: make(map[string]*store.WorkspaceBinding)}
}

func (f *fakeWorkspaceBacking) GetWorkspaceBinding(_ context.Context, topicKey string) (*store.WorkspaceBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	binding, ok := f.bindings[topicKey]
	if !ok {
		return nil, nil
	}
	clone := *binding
	return &clone, nil
}

func (f *fakeWorkspaceBacking) UpsertWorkspaceBinding(_ context.Context, upsert *store.WorkspaceBinding) (*store.WorkspaceBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *upsert
	f.bindings[upsert.TopicKey] = &clone
	return &clone, nil
}

func (f *fakeWorkspaceBacking) TouchWorkspaceHistory(_ context.Context, topicKey, path string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, topicKey+"|"+path)
	return nil
}

func (f *fakeWorkspaceBacking) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.touches)
}

func TestActiveDefaultsWhenUnbound(t *testing.T) {
	backing := newFakeWorkspaceBacking()
	workspaces := NewWorkspaces(backing, "/srv/default", nil)
	key := topic.Key("telegram:1")

	assert.Equal(t, "/srv/default", workspaces.Active(context.Background(), key))
	require.Equal(t, 1, backing.touchCount())
	assert.Equal(t, "telegram:1|/srv/default", backing.touches[0])
}

func TestActiveReadsStoredBindingOnce(t *testing.T) {
	backing := newFakeWorkspaceBacking()
	backing.bindings["telegram:1"] = &store.WorkspaceBinding{
		TopicKey: "telegram:1",
		Path:     "/srv/projects/api",
	}
	workspaces := NewWorkspaces(backing, "/srv/default", nil)
	key := topic.Key("telegram:1")

	assert.Equal(t, "/srv/projects/api", workspaces.Active(context.Background(), key))

	// The second call is a memory hit: no read, no second history touch.
	backing.mu.Lock()
	backing.bindings = map[string]*store.WorkspaceBinding{}
	backing.mu.Unlock()
	assert.Equal(t, "/srv/projects/api", workspaces.Active(context.Background(), key))
	assert.Equal(t, 1, backing.touchCount())
}

func TestSetActivePersistsBinding(t *testing.T) {
	backing := newFakeWorkspaceBacking()
	workspaces := NewWorkspaces(backing, "/srv/default", nil)
	key := topic.Key("telegram:1")

	workspaces.SetActive(context.Background(), key, "/srv/projects/web")

	assert.Equal(t, "/srv/projects/web", workspaces.Active(context.Background(), key))
	backing.mu.Lock()
	binding := backing.bindings["telegram:1"]
	backing.mu.Unlock()
	require.NotNil(t, binding)
	assert.Equal(t, "/srv/projects/web", binding.Path)
}

func TestActiveSurvivesStoreError(t *testing.T) {
	backing := newFakeWorkspaceBacking()
	backing.getErr = assert.AnError
	workspaces := NewWorkspaces(backing, "/srv/default", nil)

	assert.Equal(t, "/srv/default", workspaces.Active(context.Background(), topic.Key("telegram:1")))
}

func TestWorkspacesWithoutBacking(t *testing.T) {
	workspaces := NewWorkspaces(nil, "/srv/default", nil)
	key := topic.Key("telegram:1")

	assert.Equal(t, "/srv/default", workspaces.Active(context.Background(), key))
	workspaces.SetActive(context.Background(), key, "/tmp/w")
	assert.Equal(t, "/tmp/w", workspaces.Active(context.Background(), key))
	assert.Equal(t, "/srv/default", workspaces.DefaultPath())
}
