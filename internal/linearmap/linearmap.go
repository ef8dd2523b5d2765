// Package linearmap persists the repository → Linear team mapping backing
// linear-projects.json. The daemon only stores the mapping; the integration
// consuming it lives outside this process.
package linearmap

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/state"
)

// Mapping binds one repository root to a Linear team.
type Mapping struct {
	RepoRoot  string    `json:"repoRoot"`
	TeamID    string    `json:"teamId"`
	TeamKey   string    `json:"teamKey"`
	TeamName  string    `json:"teamName"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the persisted mapping list. Repo roots are normalized to carry
// no trailing slash; an invalid file on boot is treated as empty.
type Store struct {
	path   string
	logger *logger.Logger

	mu       sync.Mutex
	mappings []Mapping
}

// NewStore loads the mapping list from path.
func NewStore(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "linear-map")),
	}

	var loaded []Mapping
	ok, err := state.LoadJSON(path, &loaded)
	if err != nil {
		s.logger.Warn("linear mapping file invalid, starting empty", zap.Error(err))
	} else if ok {
		s.mappings = loaded
	}
	return s
}

// normalizeRoot strips trailing slashes so lookups are path-spelling
// insensitive.
func normalizeRoot(repoRoot string) string {
	trimmed := strings.TrimRight(repoRoot, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// List returns a copy of all mappings.
func (s *Store) List() []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mapping, len(s.mappings))
	copy(out, s.mappings)
	return out
}

// Get returns the mapping for a repository root.
func (s *Store) Get(repoRoot string) (Mapping, error) {
	root := normalizeRoot(repoRoot)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.RepoRoot == root {
			return m, nil
		}
	}
	return Mapping{}, apperr.NotFound("no team mapping for " + root)
}

// Upsert inserts or updates the mapping for a repository root and persists.
// createdAt is preserved across updates.
func (s *Store) Upsert(repoRoot, teamID, teamKey, teamName string) (Mapping, error) {
	if repoRoot == "" || teamID == "" {
		return Mapping{}, apperr.InvalidInput("repoRoot and teamId are required")
	}
	root := normalizeRoot(repoRoot)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mappings {
		if m.RepoRoot == root {
			m.TeamID = teamID
			m.TeamKey = teamKey
			m.TeamName = teamName
			m.UpdatedAt = now
			s.mappings[i] = m
			return m, state.SaveJSON(s.path, s.mappings, 0644)
		}
	}

	m := Mapping{
		RepoRoot:  root,
		TeamID:    teamID,
		TeamKey:   teamKey,
		TeamName:  teamName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mappings = append(s.mappings, m)
	return m, state.SaveJSON(s.path, s.mappings, 0644)
}

// Remove deletes the mapping for a repository root and persists.
func (s *Store) Remove(repoRoot string) error {
	root := normalizeRoot(repoRoot)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mappings {
		if m.RepoRoot == root {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return state.SaveJSON(s.path, s.mappings, 0644)
		}
	}
	return apperr.NotFound("no team mapping for " + root)
}
