package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/pkg/protocol"
)

// eventQueueSize bounds the inbound event channel. The bridge is the only
// consumer and drains continuously.
const eventQueueSize = 256

// StdioAdapter runs a backend CLI as a child process speaking newline
// delimited JSON over stdin/stdout.
type StdioAdapter struct {
	sessionID   string
	backendType string
	argv        []string
	env         map[string]string
	dir         string
	logger      *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex
	events  chan *protocol.Envelope
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewStdioAdapter creates a stdio adapter for the given command line.
func NewStdioAdapter(sessionID string, opts LaunchOptions, log *logger.Logger) (*StdioAdapter, error) {
	if log == nil {
		log = logger.Default()
	}
	argv := opts.Argv
	if len(argv) == 0 {
		argv = buildClaudeArgv(opts)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty backend command")
	}
	return &StdioAdapter{
		sessionID:   sessionID,
		backendType: opts.Backend,
		argv:        argv,
		env:         opts.Env,
		dir:         opts.Cwd,
		logger: log.WithFields(
			zap.String("component", "stdio-adapter"),
			zap.String("session_id", sessionID)),
		events: make(chan *protocol.Envelope, eventQueueSize),
		done:   make(chan struct{}),
	}, nil
}

// buildClaudeArgv assembles the Claude CLI command in streaming JSON mode.
func buildClaudeArgv(opts LaunchOptions) []string {
	argv := []string{"claude",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		argv = append(argv, "--permission-mode", opts.PermissionMode)
	}
	for _, tool := range opts.AllowedTools {
		argv = append(argv, "--allowedTools", tool)
	}
	if opts.ResumeID != "" {
		if opts.Fork {
			argv = append(argv, "--resume", opts.ResumeID, "--fork-session")
		} else {
			argv = append(argv, "--resume", opts.ResumeID)
		}
	}
	return argv
}

// Start spawns the child and begins the read loop.
func (a *StdioAdapter) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Dir = a.dir
	cmd.Env = os.Environ()
	for k, v := range a.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", a.argv[0], err)
	}
	a.cmd = cmd
	a.stdin = stdin
	a.stdout = stdout

	a.logger.Info("backend child started",
		zap.String("command", a.argv[0]), zap.Int("pid", cmd.Process.Pid))

	go a.drainStderr(stderr)
	go a.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			a.logger.Warn("backend child exited", zap.Error(err))
		} else {
			a.logger.Info("backend child exited")
		}
		a.markDone()
	}()
	return nil
}

// Events returns the inbound event stream.
func (a *StdioAdapter) Events() <-chan *protocol.Envelope {
	return a.events
}

// Done is closed when the child exits.
func (a *StdioAdapter) Done() <-chan struct{} {
	return a.done
}

// Send marshals msg and writes it as one complete line. Writes are
// serialized; a message is never interleaved with another.
func (a *StdioAdapter) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.stdin == nil {
		return fmt.Errorf("backend not started")
	}
	if _, err := a.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to backend: %w", err)
	}
	return nil
}

// Close asks the child to stop and releases the pipes. Idempotent.
func (a *StdioAdapter) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.stdin != nil {
		a.stdin.Close()
	}
	if a.cmd != nil && a.cmd.Process != nil {
		if err := a.cmd.Process.Kill(); err != nil {
			a.logger.Debug("kill failed", zap.Error(err))
		}
	}
	return nil
}

func (a *StdioAdapter) readLoop() {
	defer close(a.events)

	scanner := bufio.NewScanner(a.stdout)
	// Backend messages can be very large (full file contents in tool results).
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		evt := normalizeLine(a.backendType, a.sessionID, line)
		if evt == nil {
			a.logger.Warn("unparseable backend line", zap.ByteString("line", line))
			continue
		}
		select {
		case a.events <- evt:
		case <-a.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("backend read loop error", zap.Error(err))
	}
}

func (a *StdioAdapter) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		a.logger.Debug("backend stderr", zap.String("line", scanner.Text()))
	}
}

func (a *StdioAdapter) markDone() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}
