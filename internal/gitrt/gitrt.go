// Package gitrt shells out to git for repository discovery, worktree
// lifecycle, and branch management. Commands always run in argv form with
// exec.CommandContext; no shell ever sees user input.
package gitrt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/config"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/state"
)

// branchNameRe is the only shape of branch name accepted anywhere.
var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9/_.\-]+$`)

// RepoInfo describes a discovered git repository.
type RepoInfo struct {
	RepoRoot      string `json:"repoRoot"`
	DefaultBranch string `json:"defaultBranch"`
	CurrentBranch string `json:"currentBranch"`
}

// Mapping records the worktree a session is pinned to. ActualBranch is the
// concrete branch the worktree checked out, which differs from
// RequestedBranch when a derived branch had to be synthesized.
type Mapping struct {
	SessionID       string    `json:"sessionId"`
	RepoRoot        string    `json:"repoRoot"`
	RequestedBranch string    `json:"requestedBranch"`
	ActualBranch    string    `json:"actualBranch"`
	WorktreePath    string    `json:"worktreePath"`
	CreatedAt       time.Time `json:"createdAt"`
}

// EnsureOptions controls worktree creation.
type EnsureOptions struct {
	BaseBranch   string
	CreateBranch bool
	ForceNew     bool
}

// WorktreeResult is the outcome of EnsureWorktree.
type WorktreeResult struct {
	WorktreePath string
	ActualBranch string
}

// CmdResult is the non-fatal outcome of fetch/pull.
type CmdResult struct {
	Success bool
	Output  string
}

// RemoveOptions controls worktree removal.
type RemoveOptions struct {
	Force          bool
	BranchToDelete string
}

// Runtime owns worktree state and serializes git operations per repository.
type Runtime struct {
	cfg       config.WorktreeConfig
	statePath string
	logger    *logger.Logger

	mu       sync.RWMutex
	mappings map[string]*Mapping // session id -> mapping

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewRuntime creates a git runtime. Previously persisted worktree mappings
// are restored from statePath; a corrupt file starts empty.
func NewRuntime(cfg config.WorktreeConfig, statePath string, log *logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Default()
	}

	basePath, err := expandHome(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand worktree base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}
	cfg.BasePath = basePath

	r := &Runtime{
		cfg:       cfg,
		statePath: statePath,
		logger:    log.WithFields(zap.String("component", "git-runtime")),
		mappings:  make(map[string]*Mapping),
		repoLocks: make(map[string]*sync.Mutex),
	}

	var loaded map[string]*Mapping
	ok, err := state.LoadJSON(statePath, &loaded)
	if err != nil {
		r.logger.Warn("worktree mapping file corrupt, starting empty", zap.Error(err))
	} else if ok {
		r.mappings = loaded
	}
	return r, nil
}

// IsEnabled reports whether worktree mode is enabled.
func (r *Runtime) IsEnabled() bool {
	return r.cfg.Enabled
}

// getRepoLock returns the mutex serializing operations on one repository.
func (r *Runtime) getRepoLock(repoRoot string) *sync.Mutex {
	r.repoLockMu.Lock()
	defer r.repoLockMu.Unlock()

	if lock, ok := r.repoLocks[repoRoot]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	r.repoLocks[repoRoot] = lock
	return lock
}

// git runs a git command in dir and returns its combined output.
func (r *Runtime) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

// RepoInfo discovers the repository containing path. Returns nil when path
// is not inside a git repository.
func (r *Runtime) RepoInfo(ctx context.Context, path string) (*RepoInfo, error) {
	root, err := r.git(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, nil
	}

	current, err := r.git(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		current = ""
	}

	defaultBranch := r.cfg.DefaultBranch
	if ref, err := r.git(ctx, root, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		// Output looks like origin/main.
		if _, name, ok := strings.Cut(ref, "/"); ok {
			defaultBranch = name
		}
	}

	return &RepoInfo{
		RepoRoot:      root,
		DefaultBranch: defaultBranch,
		CurrentBranch: current,
	}, nil
}

// EnsureWorktree creates a worktree for branch under the configured base
// path. With CreateBranch the branch is created off BaseBranch. When the
// requested branch is already checked out elsewhere, a derived branch is
// synthesized and recorded as ActualBranch.
func (r *Runtime) EnsureWorktree(ctx context.Context, repoRoot, branch string, opts EnsureOptions) (*WorktreeResult, error) {
	if err := ValidateBranchName(branch); err != nil {
		return nil, err
	}
	if opts.BaseBranch != "" {
		if err := ValidateBranchName(opts.BaseBranch); err != nil {
			return nil, err
		}
	}

	lock := r.getRepoLock(repoRoot)
	lock.Lock()
	defer lock.Unlock()

	dirName := sanitizeForPath(branch)
	if opts.ForceNew {
		dirName = dirName + "_" + uuid.New().String()[:8]
	}
	worktreePath := filepath.Join(r.cfg.BasePath, dirName)

	// Without forceNew an existing worktree directory is reused as-is.
	if !opts.ForceNew {
		if info, err := os.Stat(worktreePath); err == nil && info.IsDir() {
			if isWorktreeDir(worktreePath) {
				r.logger.Info("reusing existing worktree",
					zap.String("path", worktreePath), zap.String("branch", branch))
				return &WorktreeResult{WorktreePath: worktreePath, ActualBranch: branch}, nil
			}
			// Stale directory; clear it and prune before recreating.
			if err := os.RemoveAll(worktreePath); err != nil {
				return nil, fmt.Errorf("failed to clear stale worktree dir: %w", err)
			}
			if _, err := r.git(ctx, repoRoot, "worktree", "prune"); err != nil {
				r.logger.Debug("git worktree prune failed", zap.Error(err))
			}
		}
	}

	if opts.CreateBranch {
		base := opts.BaseBranch
		if base == "" {
			base = r.cfg.DefaultBranch
		}
		output, err := r.git(ctx, repoRoot, "worktree", "add", "-b", branch, worktreePath, base)
		if err != nil {
			r.logger.Error("git worktree add -b failed",
				zap.String("branch", branch), zap.String("output", output), zap.Error(err))
			return nil, fmt.Errorf("failed to create worktree with branch %s: %s", branch, output)
		}
		return &WorktreeResult{WorktreePath: worktreePath, ActualBranch: branch}, nil
	}

	output, err := r.git(ctx, repoRoot, "worktree", "add", worktreePath, branch)
	if err == nil {
		return &WorktreeResult{WorktreePath: worktreePath, ActualBranch: branch}, nil
	}

	// The branch is likely checked out in another worktree. Synthesize a
	// derived branch off it so this session still gets its own checkout.
	derived := r.cfg.BranchPrefix + sanitizeForPath(branch) + "-" + uuid.New().String()[:6]
	r.logger.Info("branch unavailable for worktree, creating derived branch",
		zap.String("requested", branch),
		zap.String("derived", derived),
		zap.String("output", output))

	output, err = r.git(ctx, repoRoot, "worktree", "add", "-b", derived, worktreePath, branch)
	if err != nil {
		r.logger.Error("git worktree add failed",
			zap.String("output", output), zap.Error(err))
		return nil, fmt.Errorf("failed to create worktree for %s: %s", branch, output)
	}
	return &WorktreeResult{WorktreePath: worktreePath, ActualBranch: derived}, nil
}

// Fetch runs git fetch. Network failures are not fatal.
func (r *Runtime) Fetch(ctx context.Context, repoRoot string) CmdResult {
	output, err := r.git(ctx, repoRoot, "fetch", "--all", "--prune")
	if err != nil {
		r.logger.Warn("git fetch failed", zap.String("output", output), zap.Error(err))
	}
	return CmdResult{Success: err == nil, Output: output}
}

// Pull runs git pull with fast-forward only. Failures are not fatal.
func (r *Runtime) Pull(ctx context.Context, repoRoot string) CmdResult {
	output, err := r.git(ctx, repoRoot, "pull", "--ff-only")
	if err != nil {
		r.logger.Warn("git pull failed", zap.String("output", output), zap.Error(err))
	}
	return CmdResult{Success: err == nil, Output: output}
}

// CheckoutOrCreateBranch checks out branch, creating it off defaultBranch
// when checkout fails and creation is allowed. Fails only when both paths
// fail.
func (r *Runtime) CheckoutOrCreateBranch(ctx context.Context, repoRoot, branch string, createBranch bool, defaultBranch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}

	lock := r.getRepoLock(repoRoot)
	lock.Lock()
	defer lock.Unlock()

	checkoutOut, checkoutErr := r.git(ctx, repoRoot, "checkout", branch)
	if checkoutErr == nil {
		return nil
	}
	if !createBranch {
		return fmt.Errorf("failed to checkout branch %s: %s", branch, checkoutOut)
	}

	base := defaultBranch
	if base == "" {
		base = r.cfg.DefaultBranch
	}
	createOut, createErr := r.git(ctx, repoRoot, "checkout", "-b", branch, base)
	if createErr != nil {
		return fmt.Errorf("failed to checkout or create branch %s: checkout: %s; create: %s",
			branch, checkoutOut, createOut)
	}
	return nil
}

// IsWorktreeDirty reports whether the worktree has uncommitted changes.
// An unreadable worktree counts as dirty.
func (r *Runtime) IsWorktreeDirty(ctx context.Context, path string) bool {
	output, err := r.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return true
	}
	return output != ""
}

// RemoveWorktree removes a worktree. A dirty worktree without Force is
// refused with Removed=false. BranchToDelete, when set, is deleted from the
// main repository only after the worktree itself is gone.
func (r *Runtime) RemoveWorktree(ctx context.Context, repoRoot, path string, opts RemoveOptions) (bool, error) {
	lock := r.getRepoLock(repoRoot)
	lock.Lock()
	defer lock.Unlock()

	if !opts.Force && r.IsWorktreeDirty(ctx, path) {
		r.logger.Info("refusing to remove dirty worktree", zap.String("path", path))
		return false, apperr.PreconditionFailed("worktree has uncommitted changes")
	}

	if err := r.removeWorktreeDir(ctx, repoRoot, path); err != nil {
		return false, err
	}

	if opts.BranchToDelete != "" {
		if output, err := r.git(ctx, repoRoot, "branch", "-D", opts.BranchToDelete); err != nil {
			r.logger.Warn("failed to delete branch",
				zap.String("branch", opts.BranchToDelete),
				zap.String("output", output), zap.Error(err))
		} else {
			r.logger.Info("deleted branch", zap.String("branch", opts.BranchToDelete))
		}
	}

	r.logger.Info("removed worktree", zap.String("path", path))
	return true, nil
}

// removeWorktreeDir removes via git worktree remove, falling back to a
// direct delete plus prune when git refuses.
func (r *Runtime) removeWorktreeDir(ctx context.Context, repoRoot, path string) error {
	output, err := r.git(ctx, repoRoot, "worktree", "remove", "--force", path)
	if err == nil {
		return nil
	}
	r.logger.Debug("git worktree remove failed, falling back to rm",
		zap.String("output", output), zap.Error(err))

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove worktree directory: %w", err)
	}
	if _, err := r.git(ctx, repoRoot, "worktree", "prune"); err != nil {
		r.logger.Debug("git worktree prune failed", zap.Error(err))
	}
	return nil
}

// RecordMapping pins a session to its worktree and persists the table.
func (r *Runtime) RecordMapping(sessionID, repoRoot, requestedBranch, actualBranch, worktreePath string) {
	r.mu.Lock()
	r.mappings[sessionID] = &Mapping{
		SessionID:       sessionID,
		RepoRoot:        repoRoot,
		RequestedBranch: requestedBranch,
		ActualBranch:    actualBranch,
		WorktreePath:    worktreePath,
		CreatedAt:       time.Now(),
	}
	r.mu.Unlock()
	r.persist()
}

// MappingBySession returns the worktree mapping for a session.
func (r *Runtime) MappingBySession(sessionID string) (*Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[sessionID]
	return m, ok
}

// Mappings returns a snapshot of all worktree mappings.
func (r *Runtime) Mappings() []*Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m)
	}
	return out
}

// RemoveBySession removes the worktree pinned to a session. The branch is
// deleted only when it was synthesized, never when the session checked out
// the branch the user asked for. An unknown session is a no-op.
func (r *Runtime) RemoveBySession(ctx context.Context, sessionID string, force bool) (bool, error) {
	r.mu.RLock()
	m, ok := r.mappings[sessionID]
	r.mu.RUnlock()
	if !ok {
		return true, nil
	}

	opts := RemoveOptions{Force: force}
	if m.ActualBranch != m.RequestedBranch {
		opts.BranchToDelete = m.ActualBranch
	}

	removed, err := r.RemoveWorktree(ctx, m.RepoRoot, m.WorktreePath, opts)
	if err != nil || !removed {
		return removed, err
	}

	r.mu.Lock()
	delete(r.mappings, sessionID)
	r.mu.Unlock()
	r.persist()
	return true, nil
}

// PruneOrphans removes worktree directories under the base path that no
// mapping references. Called on startup.
func (r *Runtime) PruneOrphans(ctx context.Context) {
	referenced := make(map[string]bool)
	r.mu.RLock()
	for _, m := range r.mappings {
		referenced[m.WorktreePath] = true
	}
	r.mu.RUnlock()

	entries, err := os.ReadDir(r.cfg.BasePath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to scan worktree base dir", zap.Error(err))
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.cfg.BasePath, entry.Name())
		if referenced[path] {
			continue
		}
		r.logger.Info("pruning orphaned worktree", zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn("failed to remove orphaned worktree",
				zap.String("path", path), zap.Error(err))
		}
	}
}

func (r *Runtime) persist() {
	r.mu.RLock()
	snapshot := make(map[string]*Mapping, len(r.mappings))
	for id, m := range r.mappings {
		snapshot[id] = m
	}
	r.mu.RUnlock()

	if err := state.SaveJSON(r.statePath, snapshot, 0644); err != nil {
		r.logger.Warn("failed to persist worktree mappings", zap.Error(err))
	}
}

// ValidateBranchName rejects branch names outside [A-Za-z0-9/_.\-]+.
func ValidateBranchName(branch string) error {
	if branch == "" || !branchNameRe.MatchString(branch) {
		return apperr.InvalidInput(fmt.Sprintf("invalid branch name %q", branch))
	}
	return nil
}

// isWorktreeDir reports whether path looks like a linked worktree, which
// has a .git file pointing back at the main repository.
func isWorktreeDir(path string) bool {
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// sanitizeForPath flattens a branch name into a directory-safe token.
func sanitizeForPath(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
