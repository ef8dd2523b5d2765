package gitrt

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/config"
)

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, output)
	return strings.TrimSpace(string(output))
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	gitCmd(t, dir, "init")
	gitCmd(t, dir, "config", "user.email", "test@example.com")
	gitCmd(t, dir, "config", "user.name", "Test")
	gitCmd(t, dir, "checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	base := t.TempDir()
	rt, err := NewRuntime(config.WorktreeConfig{
		Enabled:       true,
		BasePath:      filepath.Join(base, "worktrees"),
		DefaultBranch: "main",
		BranchPrefix:  "companion/",
	}, filepath.Join(base, "worktrees.json"), nil)
	require.NoError(t, err)
	return rt
}

func TestRepoInfo(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)

	info, err := rt.RepoInfo(context.Background(), repo)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "main", info.CurrentBranch)
	assert.Equal(t, "main", info.DefaultBranch)

	// Resolving from a subdirectory finds the same root.
	sub := filepath.Join(repo, "sub")
	require.NoError(t, os.MkdirAll(sub, 0755))
	subInfo, err := rt.RepoInfo(context.Background(), sub)
	require.NoError(t, err)
	require.NotNil(t, subInfo)
	assert.Equal(t, info.RepoRoot, subInfo.RepoRoot)
}

func TestRepoInfoNonRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	rt := newRuntime(t)
	info, err := rt.RepoInfo(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestEnsureWorktreeCreateBranch(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)

	res, err := rt.EnsureWorktree(context.Background(), repo, "feat/x", EnsureOptions{
		BaseBranch:   "main",
		CreateBranch: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "feat/x", res.ActualBranch)
	assert.DirExists(t, res.WorktreePath)

	branch := gitCmd(t, res.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	assert.Equal(t, "feat/x", branch)
}

func TestEnsureWorktreeReuse(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)

	first, err := rt.EnsureWorktree(context.Background(), repo, "feat/x", EnsureOptions{CreateBranch: true})
	require.NoError(t, err)
	second, err := rt.EnsureWorktree(context.Background(), repo, "feat/x", EnsureOptions{CreateBranch: true})
	require.NoError(t, err)
	assert.Equal(t, first.WorktreePath, second.WorktreePath)
}

func TestEnsureWorktreeDerivedBranch(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)

	// main is checked out in the primary repo, so a plain worktree add for
	// it must synthesize a derived branch.
	res, err := rt.EnsureWorktree(context.Background(), repo, "main", EnsureOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, "main", res.ActualBranch)
	assert.True(t, strings.HasPrefix(res.ActualBranch, "companion/"),
		"derived branch %q should carry the configured prefix", res.ActualBranch)
}

func TestEnsureWorktreeForceNewUniquePaths(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)

	first, err := rt.EnsureWorktree(context.Background(), repo, "feat/a", EnsureOptions{CreateBranch: true, ForceNew: true})
	require.NoError(t, err)
	second, err := rt.EnsureWorktree(context.Background(), repo, "feat/b", EnsureOptions{CreateBranch: true, ForceNew: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.WorktreePath, second.WorktreePath)
}

func TestEnsureWorktreeRejectsBadBranch(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)

	_, err := rt.EnsureWorktree(context.Background(), repo, "feat x; rm -rf /", EnsureOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestCheckoutOrCreateBranch(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)
	ctx := context.Background()

	// New branch requires createBranch.
	err := rt.CheckoutOrCreateBranch(ctx, repo, "feat/new", false, "main")
	require.Error(t, err)

	require.NoError(t, rt.CheckoutOrCreateBranch(ctx, repo, "feat/new", true, "main"))
	assert.Equal(t, "feat/new", gitCmd(t, repo, "rev-parse", "--abbrev-ref", "HEAD"))

	// Checking out an existing branch works without createBranch.
	require.NoError(t, rt.CheckoutOrCreateBranch(ctx, repo, "main", false, "main"))
}

func TestIsWorktreeDirty(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)
	ctx := context.Background()

	assert.False(t, rt.IsWorktreeDirty(ctx, repo))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "dirty.txt"), []byte("x"), 0644))
	assert.True(t, rt.IsWorktreeDirty(ctx, repo))

	// Unreadable paths count as dirty.
	assert.True(t, rt.IsWorktreeDirty(ctx, filepath.Join(t.TempDir(), "missing")))
}

func TestRemoveWorktreeDirtyRefused(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)
	ctx := context.Background()

	res, err := rt.EnsureWorktree(ctx, repo, "feat/x", EnsureOptions{CreateBranch: true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(res.WorktreePath, "wip.txt"), []byte("x"), 0644))

	removed, err := rt.RemoveWorktree(ctx, repo, res.WorktreePath, RemoveOptions{})
	assert.False(t, removed)
	require.Error(t, err)
	assert.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
	assert.DirExists(t, res.WorktreePath)

	// Force removes it anyway.
	removed, err = rt.RemoveWorktree(ctx, repo, res.WorktreePath, RemoveOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, res.WorktreePath)
}

func TestRemoveBySessionDeletesOnlyDerivedBranch(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)
	ctx := context.Background()

	// Session pinned to the branch the user asked for: branch survives.
	userRes, err := rt.EnsureWorktree(ctx, repo, "feat/user", EnsureOptions{CreateBranch: true})
	require.NoError(t, err)
	rt.RecordMapping("s-user", repo, "feat/user", userRes.ActualBranch, userRes.WorktreePath)

	removed, err := rt.RemoveBySession(ctx, "s-user", false)
	require.NoError(t, err)
	assert.True(t, removed)
	branches := gitCmd(t, repo, "branch", "--list", "feat/user")
	assert.Contains(t, branches, "feat/user")

	// Session pinned to a synthesized branch: branch is deleted.
	derivedRes, err := rt.EnsureWorktree(ctx, repo, "main", EnsureOptions{})
	require.NoError(t, err)
	require.NotEqual(t, "main", derivedRes.ActualBranch)
	rt.RecordMapping("s-derived", repo, "main", derivedRes.ActualBranch, derivedRes.WorktreePath)

	removed, err = rt.RemoveBySession(ctx, "s-derived", false)
	require.NoError(t, err)
	assert.True(t, removed)
	branches = gitCmd(t, repo, "branch", "--list", derivedRes.ActualBranch)
	assert.Empty(t, branches)

	_, ok := rt.MappingBySession("s-derived")
	assert.False(t, ok)
}

func TestRemoveBySessionUnknownIsNoop(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	rt := newRuntime(t)
	removed, err := rt.RemoveBySession(context.Background(), "nope", false)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestMappingsPersistAcrossRestart(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	base := t.TempDir()
	cfg := config.WorktreeConfig{
		Enabled:       true,
		BasePath:      filepath.Join(base, "worktrees"),
		DefaultBranch: "main",
		BranchPrefix:  "companion/",
	}
	statePath := filepath.Join(base, "worktrees.json")

	rt, err := NewRuntime(cfg, statePath, nil)
	require.NoError(t, err)
	rt.RecordMapping("s1", "/repo", "feat/x", "companion/feat-x-abc", "/wt/feat-x")

	reloaded, err := NewRuntime(cfg, statePath, nil)
	require.NoError(t, err)
	m, ok := reloaded.MappingBySession("s1")
	require.True(t, ok)
	assert.Equal(t, "feat/x", m.RequestedBranch)
	assert.Equal(t, "companion/feat-x-abc", m.ActualBranch)
}

func TestValidateBranchName(t *testing.T) {
	assert.NoError(t, ValidateBranchName("feat/x"))
	assert.NoError(t, ValidateBranchName("a.B-1_c/d"))
	assert.Error(t, ValidateBranchName(""))
	assert.Error(t, ValidateBranchName("has space"))
	assert.Error(t, ValidateBranchName("bad;cmd"))
	assert.Error(t, ValidateBranchName("tilde~1"))
}

func TestPruneOrphans(t *testing.T) {
	repo := initRepo(t)
	rt := newRuntime(t)
	ctx := context.Background()

	kept, err := rt.EnsureWorktree(ctx, repo, "feat/keep", EnsureOptions{CreateBranch: true})
	require.NoError(t, err)
	rt.RecordMapping("s1", repo, "feat/keep", kept.ActualBranch, kept.WorktreePath)

	orphan := filepath.Join(rt.cfg.BasePath, "orphaned")
	require.NoError(t, os.MkdirAll(orphan, 0755))

	rt.PruneOrphans(ctx)
	assert.DirExists(t, kept.WorktreePath)
	assert.NoDirExists(t, orphan)
}
