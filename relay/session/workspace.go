package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/courier/relay/topic"
	"github.com/hrygo/courier/store"
)

// WorkspaceBacking is the durable side of the workspace registry. A nil
// WorkspaceBacking degrades it to process-lifetime memory.
type WorkspaceBacking interface {
	GetWorkspaceBinding(ctx context.Context, topicKey string) (*store.WorkspaceBinding, error)
	UpsertWorkspaceBinding(ctx context.Context, upsert *store.WorkspaceBinding) (*store.WorkspaceBinding, error)
	TouchWorkspaceHistory(ctx context.Context, topicKey, path string, usedTs int64) error
}

// Workspaces maps topic keys to their active workspace path.
type Workspaces struct {
	logger      *slog.Logger
	backing     WorkspaceBacking
	defaultPath string

	mu     sync.Mutex
	active map[topic.Key]string
}

// NewWorkspaces creates a workspace registry. backing may be nil.
// defaultPath is handed out for topics that never chose a workspace.
func NewWorkspaces(backing WorkspaceBacking, defaultPath string, logger *slog.Logger) *Workspaces {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspaces{
		logger:      logger,
		backing:     backing,
		defaultPath: defaultPath,
		active:      make(map[topic.Key]string),
	}
}

// Active returns the topic's workspace path: memory, then store, then
// the default. The first resolution per process caches the path and
// touches the topic's workspace history.
func (w *Workspaces) Active(ctx context.Context, key topic.Key) string {
	w.mu.Lock()
	if path, ok := w.active[key]; ok {
		w.mu.Unlock()
		return path
	}
	w.mu.Unlock()

	path := w.defaultPath
	if w.backing != nil {
		binding, err := w.backing.GetWorkspaceBinding(ctx, string(key))
		if err != nil {
			w.logger.Warn("workspace lookup failed, using default", "topic_key", key, "error", err)
		} else if binding != nil {
			path = binding.Path
		}
	}

	w.mu.Lock()
	w.active[key] = path
	w.mu.Unlock()

	w.touchHistory(ctx, key, path)
	return path
}

// SetActive rebinds the topic to path. The caller has already vetted
// the path; persistence failures only cost restart continuity.
func (w *Workspaces) SetActive(ctx context.Context, key topic.Key, path string) {
	w.mu.Lock()
	w.active[key] = path
	w.mu.Unlock()

	if w.backing == nil {
		return
	}
	_, err := w.backing.UpsertWorkspaceBinding(ctx, &store.WorkspaceBinding{
		TopicKey:  string(key),
		Path:      path,
		UpdatedTs: time.Now().Unix(),
	})
	if err != nil {
		w.logger.Warn("workspace persist failed", "topic_key", key, "path", path, "error", err)
	}
}

// DefaultPath returns the fallback workspace.
func (w *Workspaces) DefaultPath() string {
	return w.defaultPath
}

func (w *Workspaces) touchHistory(ctx context.Context, key topic.Key, path string) {
	if w.backing == nil {
		return
	}
	if err := w.backing.TouchWorkspaceHistory(ctx, string(key), path, time.Now().Unix()); err != nil {
		w.logger.Warn("workspace history touch failed", "topic_key", key, "error", err)
	}
}
