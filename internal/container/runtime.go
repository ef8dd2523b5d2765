// Package container wraps the Docker SDK to provide per-session container
// lifecycle operations: create/start with pinned mounts and auto-published
// ports, one-shot and streaming exec, tracking, and persistence.
package container

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/config"
	"github.com/companionhq/companion/internal/common/logger"
)

const (
	// WorkspaceDir is where the host cwd is mounted inside every container.
	WorkspaceDir = "/workspace"

	// HostAuthMount is the fixed read-only mount point of the host auth dir.
	HostAuthMount = "/mnt/companion/host-auth"

	// RuntimeAuthDir is the writable tmpfs where claude auth material is
	// seeded.
	RuntimeAuthDir = "/root/.claude"

	// CodexAuthDir is the writable tmpfs the codex CLI reads its auth.json
	// from.
	CodexAuthDir = "/root/.codex"

	// hostGatewayAlias lets container processes reach the daemon on the host.
	hostGatewayAlias = "host.docker.internal:host-gateway"
)

// Container liveness states reported by Alive.
const (
	AliveRunning = "running"
	AliveStopped = "stopped"
	AliveMissing = "missing"
)

// Handle states.
const (
	StateCreating = "creating"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateRemoved  = "removed"
)

// Mount is an extra bind mount requested for a container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// CreateConfig holds the per-session container request.
type CreateConfig struct {
	Image  string
	Ports  []int // container ports to publish on auto-assigned host ports
	Mounts []Mount
	Env    map[string]string
}

// Handle describes a tracked container.
type Handle struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Image        string      `json:"image"`
	Ports        map[int]int `json:"ports"` // container port -> host port
	HostCwd      string      `json:"hostCwd"`
	ContainerCwd string      `json:"containerCwd"`
	State        string      `json:"state"`
}

// Runtime owns the Docker client and the tracked container set.
type Runtime struct {
	cli      *client.Client
	cfg      config.DockerConfig
	timeouts config.TimeoutConfig
	tracker  *Tracker
	logger   *logger.Logger
}

// NewRuntime creates a Docker-backed container runtime.
func NewRuntime(cfg config.DockerConfig, timeouts config.TimeoutConfig, log *logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "container-runtime"))

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Runtime{
		cli:      cli,
		cfg:      cfg,
		timeouts: timeouts,
		tracker:  NewTracker(),
		logger:   log,
	}, nil
}

// Client exposes the underlying Docker API client for collaborators that
// share the connection, like the image pull coordinator.
func (r *Runtime) Client() *client.Client {
	return r.cli
}

// Close closes the Docker client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// CheckAvailable reports whether the Docker daemon is reachable.
func (r *Runtime) CheckAvailable(ctx context.Context) bool {
	_, err := r.cli.Ping(ctx)
	return err == nil
}

// Version returns the Docker server version, or "" when unavailable.
func (r *Runtime) Version(ctx context.Context) string {
	v, err := r.cli.ServerVersion(ctx)
	if err != nil {
		return ""
	}
	return v.Version
}

// ListImages returns the tags of locally available images.
func (r *Runtime) ListImages(ctx context.Context) ([]string, error) {
	images, err := r.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackendUnavailable, "failed to list images", err)
	}
	var tags []string
	for _, img := range images {
		tags = append(tags, img.RepoTags...)
	}
	return tags, nil
}

// validatePorts rejects container ports outside 1..65535.
func validatePorts(ports []int) error {
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return apperr.InvalidInput(fmt.Sprintf("container port %d out of range 1..65535", p))
		}
	}
	return nil
}

// Create creates and starts a container for a session, publishes the
// requested ports on auto-assigned host ports, seeds auth material, and
// tracks the resulting handle. Any sub-step failure tears the partially
// created container down.
func (r *Runtime) Create(ctx context.Context, sessionID, hostCwd string, cfg CreateConfig) (*Handle, error) {
	if err := validatePorts(cfg.Ports); err != nil {
		return nil, err
	}
	if cfg.Image == "" {
		return nil, apperr.InvalidInput("container image is required")
	}

	name := "companion-" + sessionID
	r.logger.Info("creating container",
		zap.String("session_id", sessionID),
		zap.String("name", name),
		zap.String("image", cfg.Image))

	hostAuthDir, err := expandHome(r.cfg.HostAuthDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host auth dir: %w", err)
	}

	// Pinned mounts: host auth read-only, host cwd at /workspace, plus the
	// caller's extra mounts. Runtime auth dir is a writable tmpfs.
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: hostAuthDir, Target: HostAuthMount, ReadOnly: true},
		{Type: mount.TypeBind, Source: hostCwd, Target: WorkspaceDir},
	}
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range cfg.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[port] = struct{}{}
		// Empty HostPort lets Docker auto-assign.
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          env,
		WorkingDir:   WorkspaceDir,
		ExposedPorts: exposed,
		Labels: map[string]string{
			"companion.session": sessionID,
		},
		// Keep the container alive; the CLI runs via exec.
		Cmd:       []string{"sleep", "infinity"},
		OpenStdin: true,
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: bindings,
		ExtraHosts:   []string{hostGatewayAlias},
		Tmpfs: map[string]string{
			RuntimeAuthDir: "rw,size=64m",
			CodexAuthDir:   "rw,size=64m",
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackendUnavailable, "failed to create container", err)
	}

	handle := &Handle{
		ID:           resp.ID,
		Name:         name,
		Image:        cfg.Image,
		Ports:        make(map[int]int, len(cfg.Ports)),
		HostCwd:      hostCwd,
		ContainerCwd: WorkspaceDir,
		State:        StateCreating,
	}

	fail := func(cause error) (*Handle, error) {
		r.logger.Warn("tearing down partially created container",
			zap.String("container_id", resp.ID), zap.Error(cause))
		rmErr := r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if rmErr != nil {
			r.logger.Warn("teardown remove failed", zap.Error(rmErr))
		}
		return nil, cause
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail(apperr.Wrap(apperr.KindBackendUnavailable, "failed to start container", err))
	}

	bootCtx, cancel := context.WithTimeout(ctx, r.timeouts.ContainerBootTimeout())
	defer cancel()

	if err := r.seedAuthMaterial(bootCtx, resp.ID); err != nil {
		return fail(err)
	}

	if err := r.resolvePorts(bootCtx, resp.ID, cfg.Ports, handle); err != nil {
		return fail(err)
	}

	handle.State = StateRunning
	r.tracker.Track(sessionID, handle)

	r.logger.Info("container running",
		zap.String("session_id", sessionID),
		zap.String("container_id", resp.ID),
		zap.Any("ports", handle.Ports))
	return handle, nil
}

// authSeed is one file or directory copied from the read-only host-auth
// mount into a writable runtime location after container start.
type authSeed struct {
	Source string
	Target string
}

// authSeeds lists exactly what is seeded into the container. Claude material
// lands in its runtime auth dir, the codex auth.json in the codex CLI's
// config dir. The full user home is deliberately not seeded.
func authSeeds() []authSeed {
	return []authSeed{
		{HostAuthMount + "/.credentials.json", RuntimeAuthDir + "/.credentials.json"},
		{HostAuthMount + "/settings.json", RuntimeAuthDir + "/settings.json"},
		{HostAuthMount + "/skills", RuntimeAuthDir + "/skills"},
		{HostAuthMount + "/auth.json", CodexAuthDir + "/auth.json"},
	}
}

func (r *Runtime) seedAuthMaterial(ctx context.Context, containerID string) error {
	for _, seed := range authSeeds() {
		argv := []string{"cp", "-r", seed.Source, seed.Target}
		// Missing seed files are fine; not every backend has all of them.
		if _, err := r.Exec(ctx, containerID, argv, r.timeouts.QuickExecTimeout()); err != nil {
			if apperr.KindOf(err) == apperr.KindTimeout {
				return err
			}
			r.logger.Debug("auth seed skipped", zap.String("source", seed.Source), zap.Error(err))
		}
	}
	return nil
}

// resolvePorts inspects the container and records the host port Docker
// assigned for each requested container port.
func (r *Runtime) resolvePorts(ctx context.Context, containerID string, ports []int, handle *Handle) error {
	if len(ports) == 0 {
		return nil
	}

	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect container for ports: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return fmt.Errorf("container has no network settings")
	}

	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		bindings := inspect.NetworkSettings.Ports[port]
		if len(bindings) == 0 {
			return fmt.Errorf("no host binding for container port %d", p)
		}
		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			return fmt.Errorf("invalid host port %q for container port %d", bindings[0].HostPort, p)
		}
		handle.Ports[p] = hostPort
	}
	return nil
}

// Alive reports the liveness of a container.
func (r *Runtime) Alive(ctx context.Context, containerID string) string {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return AliveMissing
	}
	if inspect.State != nil && inspect.State.Running {
		return AliveRunning
	}
	return AliveStopped
}

// Retrack re-keys a tracked container under a new session id. Used when the
// real session id is known only after creation.
func (r *Runtime) Retrack(oldSessionID, newSessionID string) {
	if r.tracker.Retrack(oldSessionID, newSessionID) {
		r.logger.Debug("retracked container",
			zap.String("old", oldSessionID), zap.String("new", newSessionID))
	}
}

// Lookup returns the tracked handle for a session.
func (r *Runtime) Lookup(sessionID string) (*Handle, bool) {
	return r.tracker.Lookup(sessionID)
}

// Remove force-removes the container tracked for a session. Idempotent:
// an unknown session or an already-removed container is not an error.
func (r *Runtime) Remove(ctx context.Context, sessionID string) error {
	handle, ok := r.tracker.Lookup(sessionID)
	if !ok || handle.State == StateRemoved {
		return nil
	}

	err := r.cli.ContainerRemove(ctx, handle.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		// Log and continue; the handle is dropped either way.
		r.logger.Warn("container remove failed",
			zap.String("container_id", handle.ID), zap.Error(err))
	}

	r.tracker.MarkRemoved(sessionID)
	r.logger.Info("container removed",
		zap.String("session_id", sessionID), zap.String("container_id", handle.ID))
	return nil
}

// CleanupAll removes every tracked container. Called on daemon shutdown.
func (r *Runtime) CleanupAll(ctx context.Context) {
	for _, sessionID := range r.tracker.Sessions() {
		if err := r.Remove(ctx, sessionID); err != nil {
			r.logger.Warn("cleanup failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// Persist writes the non-removed handles to path.
func (r *Runtime) Persist(path string) error {
	return r.tracker.Persist(path)
}

// Restore loads handles from path, dropping any whose container no longer
// exists in the runtime.
func (r *Runtime) Restore(ctx context.Context, path string) error {
	return r.tracker.Restore(path, func(id string) bool {
		return r.Alive(ctx, id) != AliveMissing
	})
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		return home + strings.TrimPrefix(path, "~"), nil
	}
	return path, nil
}

// execDeadlineSlack pads context deadlines so exec inspect can still run
// after the command deadline fires.
const execDeadlineSlack = 2 * time.Second
