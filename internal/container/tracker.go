package container

import (
	"sync"

	"github.com/companionhq/companion/internal/state"
)

// Tracker guards the session-id to container-handle map. Mutations come
// from the creation pipeline and session kill; readers lock briefly.
type Tracker struct {
	mu      sync.RWMutex
	handles map[string]*Handle // session id -> handle
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{handles: make(map[string]*Handle)}
}

// Track records a handle under a session id.
func (t *Tracker) Track(sessionID string, h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[sessionID] = h
}

// Lookup returns the handle for a session.
func (t *Tracker) Lookup(sessionID string) (*Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[sessionID]
	return h, ok
}

// Retrack re-keys a handle under a new session id. Returns false when the
// old key is unknown.
func (t *Tracker) Retrack(oldSessionID, newSessionID string) bool {
	if oldSessionID == newSessionID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[oldSessionID]
	if !ok {
		return false
	}
	delete(t.handles, oldSessionID)
	t.handles[newSessionID] = h
	return true
}

// MarkRemoved flags a handle as removed and drops it from tracking.
func (t *Tracker) MarkRemoved(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[sessionID]; ok {
		h.State = StateRemoved
		delete(t.handles, sessionID)
	}
}

// Sessions returns the ids of all tracked sessions.
func (t *Tracker) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.handles))
	for id := range t.handles {
		ids = append(ids, id)
	}
	return ids
}

// Persist writes the non-removed handles to path as JSON.
func (t *Tracker) Persist(path string) error {
	t.mu.RLock()
	snapshot := make(map[string]*Handle, len(t.handles))
	for id, h := range t.handles {
		if h.State != StateRemoved {
			snapshot[id] = h
		}
	}
	t.mu.RUnlock()

	return state.SaveJSON(path, snapshot, 0644)
}

// Restore loads handles from path. Handles whose container no longer exists
// (per the exists probe) are dropped. A corrupt file restores nothing.
func (t *Tracker) Restore(path string, exists func(containerID string) bool) error {
	var loaded map[string]*Handle
	ok, err := state.LoadJSON(path, &loaded)
	if err != nil || !ok {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for sessionID, h := range loaded {
		if exists != nil && !exists(h.ID) {
			continue
		}
		t.handles[sessionID] = h
	}
	return nil
}
