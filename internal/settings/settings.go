// Package settings persists the small flat record of external API keys and
// user preferences backing settings.json.
package settings

import (
	"sync"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/state"
)

// Store holds the flat settings map. The file may carry API keys, so it is
// written 0600. A corrupt file on boot starts empty.
type Store struct {
	path   string
	logger *logger.Logger

	mu     sync.Mutex
	values map[string]string
}

// NewStore loads settings from path.
func NewStore(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "settings-store")),
		values: make(map[string]string),
	}

	var loaded map[string]string
	ok, err := state.LoadJSON(path, &loaded)
	if err != nil {
		s.logger.Warn("settings file corrupt, starting empty", zap.Error(err))
	} else if ok {
		s.values = loaded
	}
	return s
}

// Get returns one setting value; the empty string when unset.
func (s *Store) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// All returns a copy of every setting.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set writes one setting and persists. An empty value deletes the key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}
	return state.SaveJSON(s.path, s.values, 0600)
}

// Replace swaps the whole settings map and persists.
func (s *Store) Replace(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string, len(values))
	for k, v := range values {
		if v != "" {
			s.values[k] = v
		}
	}
	return state.SaveJSON(s.path, s.values, 0600)
}
