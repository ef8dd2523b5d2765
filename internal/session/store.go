package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/state"
)

// Store is the persisted session index. Every mutation is written through
// to disk atomically; a corrupt file on boot starts empty.
type Store struct {
	path   string
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore loads the session index from path.
func NewStore(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		path:     path,
		logger:   log.WithFields(zap.String("component", "session-store")),
		sessions: make(map[string]*Session),
	}

	var loaded map[string]*Session
	ok, err := state.LoadJSON(path, &loaded)
	if err != nil {
		s.logger.Warn("session index corrupt, starting empty", zap.Error(err))
	} else if ok {
		s.sessions = loaded
	}
	return s
}

// Add registers a new session and persists the index.
func (s *Store) Add(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return s.persistLocked()
}

// Get returns a session by id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session not found: " + id)
	}
	return sess, nil
}

// List returns all sessions, newest first. Archived sessions are included
// only when includeArchived is set.
func (s *Store) List(includeArchived bool) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Archived && !includeArchived {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update applies a mutation to a session under the lock and persists.
func (s *Store) Update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return apperr.NotFound("session not found: " + id)
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
	return s.persistLocked()
}

// SetArchived flips the archived flag.
func (s *Store) SetArchived(id string, archived bool) error {
	return s.Update(id, func(sess *Session) { sess.Archived = archived })
}

// Rename sets the session's display name.
func (s *Store) Rename(id, name string) error {
	return s.Update(id, func(sess *Session) { sess.Name = name })
}

// Delete removes a session from the index. Idempotent.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	return s.persistLocked()
}

// InUseWorktree reports whether any non-archived session other than
// excludeID references the worktree path.
func (s *Store) InUseWorktree(path, excludeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == excludeID || sess.Archived {
			continue
		}
		if sess.WorktreePath != "" && sess.WorktreePath == path {
			return true
		}
	}
	return false
}

func (s *Store) persistLocked() error {
	return state.SaveJSON(s.path, s.sessions, 0644)
}
