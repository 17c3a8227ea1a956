// Package session keeps the per-topic registries the relay consults on
// every turn: model session continuity and active workspaces. Both hold
// an in-memory fast path and write through to the store, and both keep
// working (memory-only) when no store is available.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/courier/relay/topic"
	"github.com/hrygo/courier/store"
)

// Backing is the durable side of the session registry. A nil Backing
// degrades the registry to process-lifetime memory.
type Backing interface {
	GetSessionMapping(ctx context.Context, sessionKey string) (*store.SessionMapping, error)
	UpsertSessionMapping(ctx context.Context, upsert *store.SessionMapping) (*store.SessionMapping, error)
	MarkSessionMappingStale(ctx context.Context, sessionKey string) error
}

type sessionEntry struct {
	sessionID string
	lastUsed  time.Time
}

// Registry maps topic keys to backend session ids. The store row is
// authoritative across restarts; the in-memory map is authoritative
// within one process and is the only side consulted on the hot path.
type Registry struct {
	logger  *slog.Logger
	backing Backing

	mu      sync.Mutex
	entries map[topic.Key]*sessionEntry
}

// NewRegistry creates a session registry. backing may be nil.
func NewRegistry(backing Backing, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		backing: backing,
		entries: make(map[topic.Key]*sessionEntry),
	}
}

// Load returns the resumable session id for a topic. Stale store rows
// and store errors both read as "no session"; a turn without a session
// is always safe, it just starts fresh.
func (r *Registry) Load(ctx context.Context, key topic.Key) (string, bool) {
	r.mu.Lock()
	if entry, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return entry.sessionID, true
	}
	r.mu.Unlock()

	if r.backing == nil {
		return "", false
	}
	mapping, err := r.backing.GetSessionMapping(ctx, string(key))
	if err != nil {
		r.logger.Warn("session lookup failed, proceeding without session", "topic_key", key, "error", err)
		return "", false
	}
	if mapping == nil || mapping.Status != store.SessionMappingStatusActive {
		return "", false
	}

	r.mu.Lock()
	r.entries[key] = &sessionEntry{
		sessionID: mapping.SessionID,
		lastUsed:  time.Unix(mapping.LastUsedTs, 0),
	}
	r.mu.Unlock()
	return mapping.SessionID, true
}

// Persist records a session id returned by the backend, in memory and
// through to the store. Store failures only cost restart continuity.
func (r *Registry) Persist(ctx context.Context, key topic.Key, sessionID string) {
	now := time.Now()
	r.mu.Lock()
	r.entries[key] = &sessionEntry{sessionID: sessionID, lastUsed: now}
	r.mu.Unlock()

	if r.backing == nil {
		return
	}
	_, err := r.backing.UpsertSessionMapping(ctx, &store.SessionMapping{
		SessionKey: string(key),
		SessionID:  sessionID,
		Status:     store.SessionMappingStatusActive,
		LastUsedTs: now.Unix(),
	})
	if err != nil {
		r.logger.Warn("session persist failed", "topic_key", key, "error", err)
	}
}

// Invalidate drops the topic's session and marks the store row stale so
// no later process resumes it either.
func (r *Registry) Invalidate(ctx context.Context, key topic.Key) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()

	if r.backing == nil {
		return
	}
	if err := r.backing.MarkSessionMappingStale(ctx, string(key)); err != nil {
		r.logger.Warn("session stale mark failed", "topic_key", key, "error", err)
	}
}

// EvictIdle drops entries idle past idleTimeout, then the least
// recently used entries while more than maxConcurrent remain. Evicted
// sessions are marked stale in the store. Called at the start of each
// turn.
func (r *Registry) EvictIdle(ctx context.Context, idleTimeout time.Duration, maxConcurrent int) {
	now := time.Now()
	var victims []topic.Key

	r.mu.Lock()
	for key, entry := range r.entries {
		if now.Sub(entry.lastUsed) > idleTimeout {
			victims = append(victims, key)
			delete(r.entries, key)
		}
	}
	for maxConcurrent > 0 && len(r.entries) > maxConcurrent {
		var oldestKey topic.Key
		var oldest time.Time
		first := true
		for key, entry := range r.entries {
			if first || entry.lastUsed.Before(oldest) {
				oldestKey = key
				oldest = entry.lastUsed
				first = false
			}
		}
		victims = append(victims, oldestKey)
		delete(r.entries, oldestKey)
	}
	r.mu.Unlock()

	for _, key := range victims {
		r.logger.Info("evicted session", "topic_key", key)
		if r.backing == nil {
			continue
		}
		if err := r.backing.MarkSessionMappingStale(ctx, string(key)); err != nil {
			r.logger.Warn("session stale mark failed", "topic_key", key, "error", err)
		}
	}
}

// Len reports live in-memory sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
