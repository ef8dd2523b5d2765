// Package daemon assembles and owns the long-lived subsystems: session
// store, plugin bus, container and git runtimes, image pull coordinator,
// creation pipeline, and the per-session bridges. It is the launcher the
// pipeline calls into and the registry the gateway resolves bridges from.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/auth"
	"github.com/companionhq/companion/internal/backend"
	"github.com/companionhq/companion/internal/bridge"
	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/config"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/common/portutil"
	"github.com/companionhq/companion/internal/container"
	"github.com/companionhq/companion/internal/events"
	"github.com/companionhq/companion/internal/events/bus"
	"github.com/companionhq/companion/internal/gitrt"
	"github.com/companionhq/companion/internal/imagepull"
	"github.com/companionhq/companion/internal/linearmap"
	"github.com/companionhq/companion/internal/pipeline"
	"github.com/companionhq/companion/internal/plugin"
	"github.com/companionhq/companion/internal/session"
	"github.com/companionhq/companion/internal/settings"
)

// Daemon is the orchestrator root.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger

	store      *session.Store
	plugins    *plugin.Bus
	gate       *auth.Gate
	settings   *settings.Store
	linear     *linearmap.Store
	announce   bus.EventBus
	closeBus   func()
	containers *container.Runtime
	images     *imagepull.Coordinator
	git        *gitrt.Runtime
	pipeline   *pipeline.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge
}

// New builds the daemon: loads persisted state, verifies the container
// runtime, restores tracked containers, and prunes orphaned worktrees.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "daemon"))

	stateDir, err := cfg.ExpandedStateDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	stateFile := func(name string) string {
		p, _ := cfg.StateFile(name)
		return p
	}

	gate, err := auth.NewGate(authTokenPath(cfg, stateFile), cfg.Auth.TrustLocalhost, log)
	if err != nil {
		return nil, err
	}

	announce, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:      cfg,
		logger:   log,
		store:    session.NewStore(stateFile("sessions.json"), log),
		plugins:  plugin.NewBus(stateFile("plugins.json"), cfg.Timeouts.PluginTimeout(), log),
		gate:     gate,
		settings: settings.NewStore(stateFile("settings.json"), log),
		linear:   linearmap.NewStore(stateFile("linear-projects.json"), log),
		announce: announce,
		closeBus: closeBus,
		ctx:      ctx,
		cancel:   cancel,
		bridges:  make(map[string]*bridge.Bridge),
	}

	if err := d.plugins.Register(plugin.PermissionAutomation()); err != nil {
		cancel()
		return nil, err
	}
	if err := d.plugins.Register(plugin.Notifications()); err != nil {
		cancel()
		return nil, err
	}

	if cfg.Docker.Enabled {
		rt, err := container.NewRuntime(cfg.Docker, cfg.Timeouts, log)
		if err != nil {
			log.Warn("container runtime unavailable", zap.Error(err))
		} else {
			probe, probeCancel := context.WithTimeout(ctx, 5*time.Second)
			if rt.CheckAvailable(probe) {
				d.containers = rt
				d.images = imagepull.New(rt.Client(), log)
				if err := rt.Restore(probe, stateFile("containers.json")); err != nil {
					log.Warn("container restore failed", zap.Error(err))
				}
			} else {
				log.Warn("docker daemon not reachable, containerized sessions disabled")
				rt.Close()
			}
			probeCancel()
		}
	}

	if cfg.Worktree.Enabled {
		git, err := gitrt.NewRuntime(cfg.Worktree, stateFile("worktrees.json"), log)
		if err != nil {
			log.Warn("git runtime unavailable", zap.Error(err))
		} else {
			d.git = git
			pruneCtx, pruneCancel := context.WithTimeout(ctx, 30*time.Second)
			git.PruneOrphans(pruneCtx)
			pruneCancel()
		}
	}

	// Typed nils must not leak into the pipeline's interface fields.
	var pc pipeline.ContainerRuntime
	if d.containers != nil {
		pc = d.containers
	}
	var pi pipeline.ImagePuller
	if d.images != nil {
		pi = d.images
	}
	var pg pipeline.GitRuntime
	if d.git != nil {
		pg = d.git
	}
	d.pipeline = pipeline.New(cfg, pc, pi, pg, d.store, d, log)

	log.Info("daemon initialized",
		zap.Int("sessions", len(d.store.List(true))),
		zap.Bool("containers", d.containers != nil),
		zap.Bool("worktrees", d.git != nil))
	return d, nil
}

// authTokenPath resolves the token file location.
func authTokenPath(cfg *config.Config, stateFile func(string) string) string {
	if cfg.Auth.TokenFile != "" {
		return cfg.Auth.TokenFile
	}
	return stateFile("auth.json")
}

// Store returns the session store.
func (d *Daemon) Store() *session.Store { return d.store }

// Plugins returns the plugin bus.
func (d *Daemon) Plugins() *plugin.Bus { return d.plugins }

// Gate returns the auth gate.
func (d *Daemon) Gate() *auth.Gate { return d.gate }

// Announce returns the announce bus.
func (d *Daemon) Announce() bus.EventBus { return d.announce }

// Settings returns the flat settings store.
func (d *Daemon) Settings() *settings.Store { return d.settings }

// LinearMap returns the repository → Linear team mapping store.
func (d *Daemon) LinearMap() *linearmap.Store { return d.linear }

// Bridge resolves a live session's bridge.
func (d *Daemon) Bridge(sessionID string) (*bridge.Bridge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	br, ok := d.bridges[sessionID]
	if !ok {
		return nil, apperr.NotFound("no live session: " + sessionID)
	}
	return br, nil
}

// CreateSession runs the creation pipeline and announces the result.
func (d *Daemon) CreateSession(ctx context.Context, req pipeline.Request, rep pipeline.ProgressReporter) (*session.Session, error) {
	sess, err := d.pipeline.Run(ctx, req, rep)
	if err != nil {
		return nil, err
	}
	d.publish(events.SubjectSessionCreated, sess.ID, map[string]any{"backend": sess.Backend})
	return sess, nil
}

// Launch implements pipeline.Launcher: build the adapter, start the child,
// and attach it to the session's bridge.
func (d *Daemon) Launch(ctx context.Context, sess *session.Session, opts backend.LaunchOptions, handle *container.Handle) error {
	br := d.ensureBridge(sess)
	if handle != nil {
		br.MarkContainerized(handle.HostCwd, handle.ContainerCwd)
	}

	adapter, err := d.newAdapter(sess, opts, handle)
	if err != nil {
		return err
	}
	if err := adapter.Start(d.ctx); err != nil {
		return err
	}
	br.Attach(d.ctx, adapter)
	return nil
}

// ensureBridge returns the session's bridge, creating it on first launch.
func (d *Daemon) ensureBridge(sess *session.Session) *bridge.Bridge {
	d.mu.Lock()
	defer d.mu.Unlock()
	if br, ok := d.bridges[sess.ID]; ok {
		return br
	}
	br := bridge.New(sess.ID, bridge.Options{Backend: sess.Backend}, d.plugins, d.store, d.logger)
	d.bridges[sess.ID] = br
	return br
}

// newAdapter builds the transport for one launch. Containerized sessions
// run the CLI through a runtime exec; Codex always speaks WebSocket to its
// app-server proxy.
func (d *Daemon) newAdapter(sess *session.Session, opts backend.LaunchOptions, handle *container.Handle) (backend.Adapter, error) {
	switch sess.Backend {
	case session.BackendCodex:
		var port int
		if handle != nil {
			port = handle.Ports[backend.CodexAppServerPort]
			if port == 0 {
				return nil, apperr.BackendUnavailable("app-server port not published")
			}
			opts.Argv = containerArgv(handle, opts)
		} else {
			var err error
			if port, err = portutil.AllocatePort(); err != nil {
				return nil, err
			}
			opts.Argv = append(backend.CommandArgv(opts), "--port", strconv.Itoa(port))
		}
		url := "ws://127.0.0.1:" + strconv.Itoa(port)
		return backend.NewSocketAdapter(sess.ID, url, opts, d.cfg.Timeouts.ContainerBootTimeout(), d.logger)

	case session.BackendClaude:
		if handle != nil {
			opts.Argv = containerArgv(handle, opts)
		}
		return backend.NewStdioAdapter(sess.ID, opts, d.logger)

	default:
		return nil, apperr.InvalidInput("unsupported backend: " + sess.Backend)
	}
}

// containerArgv wraps the CLI invocation in a docker exec so stdio flows
// through the runtime.
func containerArgv(handle *container.Handle, opts backend.LaunchOptions) []string {
	inner := opts
	inner.Argv = nil
	argv := []string{"docker", "exec", "-i", "-w", handle.ContainerCwd}
	for k, v := range opts.Env {
		argv = append(argv, "-e", k+"="+v)
	}
	argv = append(argv, handle.ID)
	return append(argv, backend.CommandArgv(inner)...)
}

// KillSession stops the CLI and removes the session's container. The
// session record survives for relaunch or archive.
func (d *Daemon) KillSession(ctx context.Context, sessionID string) error {
	sess, err := d.store.Get(sessionID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	br := d.bridges[sessionID]
	delete(d.bridges, sessionID)
	d.mu.Unlock()
	if br != nil {
		br.Kill()
	}

	if sess.ContainerID != "" && d.containers != nil {
		if err := d.containers.Remove(ctx, sessionID); err != nil {
			d.logger.Warn("container removal failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return d.store.Update(sessionID, func(s *session.Session) {
		s.ContainerID = ""
	})
}

// KillProcess terminates one process inside a session's workspace: a
// runtime exec for containerized sessions, a signal on the host otherwise.
func (d *Daemon) KillProcess(ctx context.Context, sessionID, taskID string) error {
	sess, err := d.store.Get(sessionID)
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(taskID)
	if err != nil || pid <= 0 {
		return apperr.InvalidInput("task id must be a positive pid")
	}

	if sess.ContainerID != "" && d.containers != nil {
		_, err := d.containers.Exec(ctx, sess.ContainerID, []string{"kill", taskID}, d.cfg.Timeouts.QuickExecTimeout())
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return apperr.NotFound("no such process: " + taskID)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return apperr.NotFound("no such process: " + taskID)
	}
	return nil
}

// KillAllSessions stops every live session.
func (d *Daemon) KillAllSessions(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.bridges))
	for id := range d.bridges {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		if err := d.KillSession(ctx, id); err != nil {
			d.logger.Warn("kill failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Relaunch starts a fresh CLI for an existing session, preserving its
// bridge when one is still alive so browsers keep their seq stream.
func (d *Daemon) Relaunch(ctx context.Context, sessionID string) error {
	sess, err := d.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Archived {
		return apperr.PreconditionFailed("cannot relaunch an archived session")
	}

	opts := backend.LaunchOptions{
		Backend:        sess.Backend,
		Cwd:            sess.Cwd,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
	}

	var handle *container.Handle
	if sess.ContainerID != "" && d.containers != nil {
		h, ok := d.containers.Lookup(sessionID)
		if !ok || d.containers.Alive(ctx, h.ID) != container.AliveRunning {
			return apperr.PreconditionFailed("session container is gone, create a new session")
		}
		handle = h
		opts.Cwd = h.ContainerCwd
	}
	return d.Launch(ctx, sess, opts, handle)
}

// Archive marks a session archived, stopping its CLI first.
func (d *Daemon) Archive(ctx context.Context, sessionID string) error {
	if err := d.KillSession(ctx, sessionID); err != nil {
		return err
	}
	if err := d.store.SetArchived(sessionID, true); err != nil {
		return err
	}
	d.publish(events.SubjectSessionArchived, sessionID, nil)
	return nil
}

// Unarchive clears the archived flag. The session stays dormant until
// relaunched.
func (d *Daemon) Unarchive(sessionID string) error {
	return d.store.SetArchived(sessionID, false)
}

// Rename updates the session name and pushes the change to any attached
// browsers.
func (d *Daemon) Rename(sessionID, name string) error {
	if name == "" {
		return apperr.InvalidInput("name must not be empty")
	}
	if err := d.store.Rename(sessionID, name); err != nil {
		return err
	}
	d.mu.Lock()
	br := d.bridges[sessionID]
	d.mu.Unlock()
	if br != nil {
		br.EmitSessionName(name)
	}
	return nil
}

// DeleteSession kills a session and removes every trace: container,
// worktree mapping (honoring the dirty check), and the session record.
func (d *Daemon) DeleteSession(ctx context.Context, sessionID string, force bool) error {
	sess, err := d.store.Get(sessionID)
	if err != nil {
		return err
	}

	if err := d.KillSession(ctx, sessionID); err != nil {
		return err
	}

	if d.git != nil && sess.WorktreePath != "" {
		if d.store.InUseWorktree(sess.WorktreePath, sessionID) {
			d.logger.Info("worktree still referenced, keeping it",
				zap.String("worktree", sess.WorktreePath))
		} else if _, err := d.git.RemoveBySession(ctx, sessionID, force); err != nil {
			return err
		}
	}

	if err := d.store.Delete(sessionID); err != nil {
		return err
	}
	d.publish(events.SubjectSessionDeleted, sessionID, nil)
	return nil
}

// ProcessInfo describes one live session process.
type ProcessInfo struct {
	SessionID   string `json:"sessionId"`
	Backend     string `json:"backend"`
	Subscribers int    `json:"subscribers"`
	Seq         uint64 `json:"seq"`
}

// Processes lists the live bridges.
func (d *Daemon) Processes() []ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ProcessInfo, 0, len(d.bridges))
	for id, br := range d.bridges {
		info := ProcessInfo{SessionID: id, Seq: br.Seq(), Subscribers: br.SubscriberCount()}
		if sess, err := d.store.Get(id); err == nil {
			info.Backend = sess.Backend
		}
		out = append(out, info)
	}
	return out
}

// SystemInfo is the daemon's health snapshot.
type SystemInfo struct {
	DockerAvailable bool     `json:"dockerAvailable"`
	DockerVersion   string   `json:"dockerVersion,omitempty"`
	Images          []string `json:"images,omitempty"`
	Sessions        int      `json:"sessions"`
	LiveSessions    int      `json:"liveSessions"`
	WorktreesOn     bool     `json:"worktreesEnabled"`
}

// System reports runtime availability and counts.
func (d *Daemon) System(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Sessions:    len(d.store.List(true)),
		WorktreesOn: d.git != nil && d.git.IsEnabled(),
	}
	d.mu.Lock()
	info.LiveSessions = len(d.bridges)
	d.mu.Unlock()

	if d.containers != nil {
		info.DockerAvailable = d.containers.CheckAvailable(ctx)
		if info.DockerAvailable {
			info.DockerVersion = d.containers.Version(ctx)
			if imgs, err := d.containers.ListImages(ctx); err == nil {
				info.Images = imgs
			}
		}
	}
	return info
}

// publish sends an announce event, tolerating a closed bus.
func (d *Daemon) publish(subject, sessionID string, data map[string]any) {
	if d.announce == nil {
		return
	}
	evt := bus.NewEvent(subject, "daemon", sessionID, data)
	if err := d.announce.Publish(d.ctx, subject, evt); err != nil {
		d.logger.Debug("announce publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close shuts the daemon down: stop children, remove their containers,
// persist tracker state, release clients.
func (d *Daemon) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d.KillAllSessions(shutdownCtx)
	d.cancel()

	if d.containers != nil {
		d.containers.CleanupAll(shutdownCtx)
		if path, err := d.cfg.StateFile("containers.json"); err == nil {
			if err := d.containers.Persist(path); err != nil {
				d.logger.Warn("container state persist failed", zap.Error(err))
			}
		}
		d.containers.Close()
	}
	if d.closeBus != nil {
		d.closeBus()
	}
	d.logger.Info("daemon stopped")
}

var _ pipeline.Launcher = (*Daemon)(nil)
