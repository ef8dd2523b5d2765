package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/pkg/protocol"
)

// CodexAppServerPort is the port the Codex app-server proxy listens on
// inside its container. Containerized sessions publish it to the host.
const CodexAppServerPort = 4500

const (
	socketWriteWait       = 10 * time.Second
	socketInitialBackoff  = 250 * time.Millisecond
	socketMaxBackoff      = 2 * time.Second
	defaultConnectTimeout = 20 * time.Second
)

// SocketAdapter runs a proxy child that bridges the backend CLI to a local
// WebSocket endpoint, then speaks JSONL over that socket. Outbound messages
// queued during the connect phase are flushed once the socket opens; any
// error after open is fatal.
type SocketAdapter struct {
	sessionID      string
	backendType    string
	argv           []string
	env            map[string]string
	dir            string
	url            string
	connectTimeout time.Duration
	logger         *logger.Logger

	cmd  *exec.Cmd
	conn *websocket.Conn

	mu     sync.Mutex
	opened bool
	queue  [][]byte

	events  chan *protocol.Envelope
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewSocketAdapter creates a WebSocket adapter. url is the proxy child's
// local endpoint, e.g. ws://127.0.0.1:47000.
func NewSocketAdapter(sessionID, url string, opts LaunchOptions, connectTimeout time.Duration, log *logger.Logger) (*SocketAdapter, error) {
	if log == nil {
		log = logger.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	argv := opts.Argv
	if len(argv) == 0 {
		argv = buildCodexArgv(opts)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty backend command")
	}
	return &SocketAdapter{
		sessionID:      sessionID,
		backendType:    opts.Backend,
		argv:           argv,
		env:            opts.Env,
		dir:            opts.Cwd,
		url:            url,
		connectTimeout: connectTimeout,
		logger: log.WithFields(
			zap.String("component", "socket-adapter"),
			zap.String("session_id", sessionID)),
		events: make(chan *protocol.Envelope, eventQueueSize),
		done:   make(chan struct{}),
	}, nil
}

// buildCodexArgv assembles the Codex app-server proxy command.
func buildCodexArgv(opts LaunchOptions) []string {
	argv := []string{"codex", "app-server"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return argv
}

// Start spawns the proxy child and begins connecting.
func (a *SocketAdapter) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Dir = a.dir
	cmd.Env = os.Environ()
	for k, v := range a.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", a.argv[0], err)
	}
	a.cmd = cmd
	a.logger.Info("proxy child started",
		zap.String("command", a.argv[0]), zap.Int("pid", cmd.Process.Pid))

	go a.connect(ctx)
	go func() {
		if err := cmd.Wait(); err != nil {
			a.logger.Warn("proxy child exited", zap.Error(err))
		}
		a.markDone()
	}()
	return nil
}

// connect dials the proxy with backoff until the connect deadline, then
// fails the adapter.
func (a *SocketAdapter) connect(ctx context.Context) {
	deadline := time.Now().Add(a.connectTimeout)
	backoff := socketInitialBackoff

	for {
		dialCtx, cancel := context.WithDeadline(ctx, deadline)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.url, nil)
		cancel()
		if err == nil {
			a.onOpen(conn)
			return
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			a.logger.Error("failed to connect to proxy before deadline",
				zap.String("url", a.url), zap.Error(err))
			a.emitError(fmt.Sprintf("backend connect timed out after %v", a.connectTimeout))
			a.markDone()
			return
		}

		a.logger.Debug("proxy not ready, retrying",
			zap.String("url", a.url), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			a.markDone()
			return
		case <-a.done:
			return
		}
		if backoff *= 2; backoff > socketMaxBackoff {
			backoff = socketMaxBackoff
		}
	}
}

// onOpen flushes the queued outbound lines and starts the read pump.
func (a *SocketAdapter) onOpen(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.opened = true
	queued := a.queue
	a.queue = nil
	a.mu.Unlock()

	a.logger.Info("connected to proxy", zap.String("url", a.url), zap.Int("queued", len(queued)))
	for _, line := range queued {
		if err := a.writeLine(line); err != nil {
			a.logger.Warn("failed to flush queued message", zap.Error(err))
			a.fatal(err)
			return
		}
	}
	go a.readPump()
}

// Events returns the inbound event stream.
func (a *SocketAdapter) Events() <-chan *protocol.Envelope {
	return a.events
}

// Done is closed when the proxy exits or the socket fails.
func (a *SocketAdapter) Done() <-chan struct{} {
	return a.done
}

// Send marshals msg to one line. Before the socket opens the line is
// queued; after open it is written immediately.
func (a *SocketAdapter) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	a.mu.Lock()
	if !a.opened {
		a.queue = append(a.queue, data)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return a.writeLine(data)
}

// writeLine writes one message frame. The write mutex keeps frames whole.
func (a *SocketAdapter) writeLine(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("socket not open")
	}
	a.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops the adapter and the proxy child. Idempotent.
func (a *SocketAdapter) Close() error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	a.closeMu.Unlock()

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if a.cmd != nil && a.cmd.Process != nil {
		if err := a.cmd.Process.Kill(); err != nil {
			a.logger.Debug("kill failed", zap.Error(err))
		}
	}
	a.markDone()
	return nil
}

func (a *SocketAdapter) readPump() {
	defer close(a.events)

	for {
		_, line, err := a.conn.ReadMessage()
		if err != nil {
			// Post-open errors are fatal; the session surfaces as
			// cli_disconnected and can be relaunched.
			a.logger.Warn("socket read failed", zap.Error(err))
			a.fatal(err)
			return
		}
		if len(line) == 0 {
			continue
		}
		evt := normalizeLine(a.backendType, a.sessionID, line)
		if evt == nil {
			a.logger.Warn("unparseable backend frame", zap.ByteString("frame", line))
			continue
		}
		select {
		case a.events <- evt:
		case <-a.done:
			return
		}
	}
}

func (a *SocketAdapter) fatal(err error) {
	a.emitError(err.Error())
	a.markDone()
}

func (a *SocketAdapter) emitError(msg string) {
	evt, err := protocol.NewEnvelope(protocol.EventError, protocol.SourceAdapter, a.sessionID,
		protocol.ErrorData{Message: msg})
	if err != nil {
		return
	}
	evt.Meta.BackendType = a.backendType
	select {
	case a.events <- evt:
	default:
	}
}

func (a *SocketAdapter) markDone() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}
