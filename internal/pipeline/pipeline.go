// Package pipeline drives session creation: environment resolution, git
// worktree setup, image pull, container provisioning, workspace copy, init
// script, and CLI launch, with step-by-step progress reporting.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/backend"
	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/config"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/container"
	"github.com/companionhq/companion/internal/gitrt"
	"github.com/companionhq/companion/internal/session"
)

// initOutputLimit caps the init script output carried in an error. Longer
// output keeps the first initHeadChars and last initTailChars.
const (
	initOutputLimit = 2000
	initHeadChars   = 500
	initTailChars   = 1500
)

// ContainerRuntime is the container surface the pipeline needs.
type ContainerRuntime interface {
	Create(ctx context.Context, sessionID, hostCwd string, cfg container.CreateConfig) (*container.Handle, error)
	CopyWorkspace(ctx context.Context, containerID, hostDir string) error
	ExecStreaming(ctx context.Context, containerID string, argv []string, timeout time.Duration, onLine func(string)) (*container.ExecResult, error)
	Remove(ctx context.Context, sessionID string) error
}

// ImagePuller is the image coordination surface the pipeline needs.
type ImagePuller interface {
	EnsureImage(ctx context.Context, imageRef string)
	OnProgress(imageRef string, cb func(string)) func()
	WaitForReady(ctx context.Context, imageRef string, deadline time.Duration) bool
	LastError(imageRef string) string
}

// GitRuntime is the git surface the pipeline needs.
type GitRuntime interface {
	IsEnabled() bool
	RepoInfo(ctx context.Context, path string) (*gitrt.RepoInfo, error)
	EnsureWorktree(ctx context.Context, repoRoot, branch string, opts gitrt.EnsureOptions) (*gitrt.WorktreeResult, error)
	Fetch(ctx context.Context, repoRoot string) gitrt.CmdResult
	Pull(ctx context.Context, repoRoot string) gitrt.CmdResult
	CheckoutOrCreateBranch(ctx context.Context, repoRoot, branch string, createBranch bool, defaultBranch string) error
	RecordMapping(sessionID, repoRoot, requestedBranch, actualBranch, worktreePath string)
}

// Launcher starts the backend CLI for a prepared session. A non-nil handle
// means the CLI must run inside that container.
type Launcher interface {
	Launch(ctx context.Context, sess *session.Session, opts backend.LaunchOptions, handle *container.Handle) error
}

// Request describes one session creation.
type Request struct {
	Name           string            `json:"name,omitempty"`
	Backend        string            `json:"backend"`
	Cwd            string            `json:"cwd"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	AllowedTools   []string          `json:"allowedTools,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ResumeID       string            `json:"resumeId,omitempty"`
	Fork           bool              `json:"fork,omitempty"`

	// Container environment. Environment names a configured profile;
	// Image/Ports/InitScript override or extend the profile.
	Environment string `json:"environment,omitempty"`
	Image       string `json:"image,omitempty"`
	Ports       []int  `json:"ports,omitempty"`
	InitScript  string `json:"initScript,omitempty"`

	// Git worktree isolation.
	UseWorktree  bool   `json:"useWorktree,omitempty"`
	Branch       string `json:"branch,omitempty"`
	BaseBranch   string `json:"baseBranch,omitempty"`
	CreateBranch bool   `json:"createBranch,omitempty"`
	ForceNew     bool   `json:"forceNew,omitempty"`
}

// envSpec is the resolved container environment after profile merge.
type envSpec struct {
	Image      string
	Ports      []int
	Volumes    []string
	InitScript string
	Env        map[string]string
}

// Pipeline creates sessions. Containers and git may be nil when the
// corresponding subsystem is disabled.
type Pipeline struct {
	cfg        *config.Config
	containers ContainerRuntime
	images     ImagePuller
	git        GitRuntime
	store      *session.Store
	launcher   Launcher
	logger     *logger.Logger
}

// New creates a pipeline.
func New(cfg *config.Config, containers ContainerRuntime, images ImagePuller, git GitRuntime, store *session.Store, launcher Launcher, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		containers: containers,
		images:     images,
		git:        git,
		store:      store,
		launcher:   launcher,
		logger:     log.WithFields(zap.String("component", "creation-pipeline")),
	}
}

// Run executes the creation pipeline. On a fatal step the session record is
// rolled back and any created container removed; a created worktree is
// deliberately kept for inspection.
func (p *Pipeline) Run(ctx context.Context, req Request, rep ProgressReporter) (*session.Session, error) {
	if req.Backend != session.BackendClaude && req.Backend != session.BackendCodex {
		return nil, apperr.InvalidInput("unsupported backend: " + req.Backend)
	}
	cwd, err := filepath.Abs(req.Cwd)
	if err != nil || cwd == "" {
		return nil, apperr.InvalidInput("invalid working directory: " + req.Cwd)
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return nil, apperr.InvalidInput("working directory does not exist: " + cwd)
	}

	sess := session.New(req.Backend, cwd)
	sess.Name = req.Name
	sess.Model = req.Model
	sess.PermissionMode = req.PermissionMode
	if err := p.store.Add(sess); err != nil {
		return nil, err
	}

	env, err := p.resolveEnvironment(req, rep)
	if err != nil {
		return nil, p.fail(sess, nil, rep, StepResolvingEnv, err)
	}

	hostCwd, err := p.prepareGit(ctx, sess, req, cwd, rep)
	if err != nil {
		return nil, err
	}

	var handle *container.Handle
	if env.Image != "" {
		if p.containers == nil {
			return nil, p.fail(sess, nil, rep, StepCreatingContainer,
				apperr.BackendUnavailable("container runtime is disabled"))
		}
		handle, err = p.provisionContainer(ctx, sess, env, hostCwd, rep)
		if err != nil {
			return nil, err
		}
	}

	rep.Progress(StepLaunchingCli, req.Backend)
	launchCwd := hostCwd
	if handle != nil {
		launchCwd = handle.ContainerCwd
	}
	opts := backend.LaunchOptions{
		Backend:        req.Backend,
		Cwd:            launchCwd,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		AllowedTools:   req.AllowedTools,
		Env:            req.Env,
		ResumeID:       req.ResumeID,
		Fork:           req.Fork,
	}
	if err := p.launcher.Launch(ctx, sess, opts, handle); err != nil {
		return nil, p.fail(sess, handle, rep, StepLaunchingCli, err)
	}
	rep.Done(StepLaunchingCli, "")

	if err := p.store.Update(sess.ID, func(s *session.Session) {
		s.Cwd = hostCwd
		if handle != nil {
			s.ContainerID = handle.ID
		}
	}); err != nil {
		p.logger.Warn("failed to finalize session record", zap.Error(err))
	}
	return sess, nil
}

// resolveEnvironment merges the named profile with per-request overrides.
func (p *Pipeline) resolveEnvironment(req Request, rep ProgressReporter) (*envSpec, error) {
	rep.Progress(StepResolvingEnv, "")
	env := &envSpec{
		Image:      req.Image,
		Ports:      append([]int(nil), req.Ports...),
		InitScript: req.InitScript,
		Env:        map[string]string{},
	}

	if req.Environment != "" {
		profile, ok := p.cfg.Environments[req.Environment]
		if !ok {
			return nil, apperr.InvalidInput("unknown environment profile: " + req.Environment)
		}
		if env.Image == "" {
			env.Image = profile.Image
		}
		env.Ports = append(env.Ports, profile.Ports...)
		env.Volumes = profile.Volumes
		if env.InitScript == "" {
			env.InitScript = profile.InitScript
		}
		for k, v := range profile.Env {
			env.Env[k] = v
		}
	}
	for k, v := range req.Env {
		env.Env[k] = v
	}

	// Containerized sessions always publish the editor port; codex speaks
	// WebSocket through its app-server and needs that port too.
	if env.Image != "" {
		if p.cfg.Docker.EditorPort > 0 {
			env.Ports = append(env.Ports, p.cfg.Docker.EditorPort)
		}
		if req.Backend == session.BackendCodex {
			env.Ports = append(env.Ports, backend.CodexAppServerPort)
		}
	}

	if env.Image != "" {
		rep.Done(StepResolvingEnv, "image "+env.Image)
	} else {
		rep.Done(StepResolvingEnv, "host session")
	}
	return env, nil
}

// prepareGit sets up worktree isolation or a plain branch switch. Branch
// operations on the caller's own checkout are best-effort; only worktree
// creation itself is fatal.
func (p *Pipeline) prepareGit(ctx context.Context, sess *session.Session, req Request, cwd string, rep ProgressReporter) (string, error) {
	if p.git == nil || (!req.UseWorktree && req.Branch == "") {
		return cwd, nil
	}

	info, err := p.git.RepoInfo(ctx, cwd)
	if err != nil || info == nil {
		rep.Done(StepCreatingWorktree, "not a git repository, skipping")
		return cwd, nil
	}

	if req.UseWorktree && p.git.IsEnabled() {
		rep.Progress(StepCreatingWorktree, "")
		branch := req.Branch
		if branch == "" {
			branch = info.DefaultBranch
		}
		res, err := p.git.EnsureWorktree(ctx, info.RepoRoot, branch, gitrt.EnsureOptions{
			BaseBranch:   req.BaseBranch,
			CreateBranch: req.CreateBranch,
			ForceNew:     req.ForceNew,
		})
		if err != nil {
			return "", p.fail(sess, nil, rep, StepCreatingWorktree, err)
		}
		p.git.RecordMapping(sess.ID, info.RepoRoot, branch, res.ActualBranch, res.WorktreePath)
		if err := p.store.Update(sess.ID, func(s *session.Session) {
			s.WorktreePath = res.WorktreePath
			s.Cwd = res.WorktreePath
			s.Git.Branch = res.ActualBranch
		}); err != nil {
			p.logger.Warn("failed to record worktree on session", zap.Error(err))
		}
		rep.Done(StepCreatingWorktree, res.WorktreePath)
		return res.WorktreePath, nil
	}

	// Branch switch on the caller's own checkout. Git errors here are
	// non-fatal; the step completes with the failure as its detail.
	rep.Progress(StepFetchingGit, "")
	if out := p.git.Fetch(ctx, info.RepoRoot); !out.Success {
		rep.Done(StepFetchingGit, "fetch failed: "+out.Output)
	} else {
		rep.Done(StepFetchingGit, "")
	}
	rep.Progress(StepCheckoutBranch, req.Branch)
	if err := p.git.CheckoutOrCreateBranch(ctx, info.RepoRoot, req.Branch, req.CreateBranch, info.DefaultBranch); err != nil {
		rep.Done(StepCheckoutBranch, "checkout failed: "+err.Error())
		return cwd, nil
	}
	rep.Done(StepCheckoutBranch, req.Branch)
	rep.Progress(StepPullingGit, "")
	if out := p.git.Pull(ctx, info.RepoRoot); !out.Success {
		rep.Done(StepPullingGit, "pull failed: "+out.Output)
	} else {
		rep.Done(StepPullingGit, "")
	}
	return cwd, nil
}

// provisionContainer pulls the image, creates the container, copies the
// workspace, and runs the init script. Any failure after creation tears the
// container down.
func (p *Pipeline) provisionContainer(ctx context.Context, sess *session.Session, env *envSpec, hostCwd string, rep ProgressReporter) (*container.Handle, error) {
	rep.Progress(StepPullingImage, env.Image)
	p.images.EnsureImage(ctx, env.Image)
	unsub := p.images.OnProgress(env.Image, func(line string) {
		rep.Progress(StepPullingImage, line)
	})
	ready := p.images.WaitForReady(ctx, env.Image, p.cfg.Timeouts.ImagePullWait())
	unsub()
	if !ready {
		msg := p.images.LastError(env.Image)
		if msg == "" {
			msg = "timed out waiting for image " + env.Image
		}
		return nil, p.fail(sess, nil, rep, StepPullingImage, apperr.BackendUnavailable(msg))
	}
	rep.Done(StepPullingImage, "")

	rep.Progress(StepCreatingContainer, "")
	if err := p.validateAuthMaterial(sess.Backend, env); err != nil {
		return nil, p.fail(sess, nil, rep, StepCreatingContainer, err)
	}
	handle, err := p.containers.Create(ctx, sess.ID, hostCwd, container.CreateConfig{
		Image:  env.Image,
		Ports:  env.Ports,
		Mounts: p.parseVolumes(env.Volumes, rep),
		Env:    env.Env,
	})
	if err != nil {
		return nil, p.fail(sess, nil, rep, StepCreatingContainer, err)
	}
	rep.Done(StepCreatingContainer, handle.ID[:12])

	rep.Progress(StepCopyingWorkspace, "")
	if err := p.containers.CopyWorkspace(ctx, handle.ID, hostCwd); err != nil {
		return nil, p.fail(sess, handle, rep, StepCopyingWorkspace, err)
	}
	rep.Done(StepCopyingWorkspace, "")

	if env.InitScript != "" {
		rep.Progress(StepRunningInitScript, "")
		res, err := p.containers.ExecStreaming(ctx, handle.ID,
			[]string{"/bin/sh", "-lc", env.InitScript},
			p.cfg.Timeouts.InitScriptTimeout(),
			func(line string) { rep.Progress(StepRunningInitScript, line) })
		if err != nil {
			return nil, p.fail(sess, handle, rep, StepRunningInitScript, err)
		}
		if res.ExitCode != 0 {
			return nil, p.fail(sess, handle, rep, StepRunningInitScript,
				fmt.Errorf("init script exited with code %d: %s", res.ExitCode, truncateOutput(res.CombinedOutput)))
		}
		rep.Done(StepRunningInitScript, "")
	}
	return handle, nil
}

// validateAuthMaterial checks that the backend CLI will be able to
// authenticate inside the container. The container sees only the host auth
// mount and the session env, so those are exactly what is validated.
func (p *Pipeline) validateAuthMaterial(backendKind string, env *envSpec) error {
	envKey, authFile := "ANTHROPIC_API_KEY", ".credentials.json"
	if backendKind == session.BackendCodex {
		envKey, authFile = "OPENAI_API_KEY", "auth.json"
	}
	if env.Env[envKey] != "" {
		return nil
	}

	dir := p.cfg.Docker.HostAuthDir
	if strings.HasPrefix(dir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	if _, err := os.Stat(filepath.Join(dir, authFile)); err != nil {
		return apperr.PreconditionFailed(fmt.Sprintf(
			"no %s auth material for the container: set %s or log the CLI in so %s exists under %s",
			backendKind, envKey, authFile, dir))
	}
	return nil
}

// parseVolumes parses host:container[:ro] mount specs; malformed entries
// are reported and skipped.
func (p *Pipeline) parseVolumes(specs []string, rep ProgressReporter) []container.Mount {
	var mounts []container.Mount
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			rep.Progress(StepCreatingContainer, "skipping malformed volume: "+spec)
			continue
		}
		m := container.Mount{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 && parts[2] == "ro" {
			m.ReadOnly = true
		}
		mounts = append(mounts, m)
	}
	return mounts
}

// fail reports the step error, removes the container if one was created,
// and rolls the session record back. Worktrees are kept.
func (p *Pipeline) fail(sess *session.Session, handle *container.Handle, rep ProgressReporter, step string, err error) error {
	rep.Error(step, err.Error())
	if handle != nil && p.containers != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if rmErr := p.containers.Remove(cleanupCtx, sess.ID); rmErr != nil {
			p.logger.Warn("container teardown failed", zap.Error(rmErr))
		}
		cancel()
	}
	if delErr := p.store.Delete(sess.ID); delErr != nil {
		p.logger.Warn("session rollback failed", zap.Error(delErr))
	}
	return apperr.Wrap(apperr.KindOf(err), step+" failed", err)
}

// truncateOutput bounds init script output to a head and tail slice.
func truncateOutput(s string) string {
	if len(s) <= initOutputLimit {
		return s
	}
	return s[:initHeadChars] + "\n... output truncated ...\n" + s[len(s)-initTailChars:]
}
