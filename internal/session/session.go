// Package session holds the persisted session index. A session is metadata
// only; whether it is live is decided by the presence of a running bridge,
// not by anything stored here.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Backend kinds.
const (
	BackendClaude = "claude"
	BackendCodex  = "codex"
)

// GitState is the last-known git position of a session's working directory.
type GitState struct {
	Branch string `json:"branch,omitempty"`
	Ahead  int    `json:"ahead,omitempty"`
	Behind int    `json:"behind,omitempty"`
}

// Stats accumulates per-session usage counters reported by the backend.
type Stats struct {
	LinesAdded     int     `json:"linesAdded,omitempty"`
	LinesRemoved   int     `json:"linesRemoved,omitempty"`
	NumTurns       int     `json:"numTurns,omitempty"`
	TotalCostUSD   float64 `json:"totalCostUsd,omitempty"`
	ContextUsedPct float64 `json:"contextUsedPct,omitempty"`
}

// Session is one backend CLI invocation bound to a working directory.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Backend   string    `json:"backend"`
	Cwd       string    `json:"cwd"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Set when the session runs inside a container / git worktree.
	ContainerID  string `json:"containerId,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`

	// Last-known backend state, mutated by the bridge on session_update.
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Git            GitState `json:"git,omitempty"`
	Stats          Stats    `json:"stats,omitempty"`
}

// New creates a session with a fresh id.
func New(backend, cwd string) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.New().String(),
		Backend:   backend,
		Cwd:       cwd,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
