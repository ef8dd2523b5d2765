// Package bridge implements the per-session fan-in/fan-out coordinator. It
// consumes one backend adapter's event stream, stamps every envelope with a
// monotonic sequence number, runs the plugin bus, maintains the replay ring
// and pending permission requests, and fans events out to browser
// subscribers with ack-based resume.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/backend"
	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/plugin"
	"github.com/companionhq/companion/internal/session"
	"github.com/companionhq/companion/pkg/protocol"
)

const (
	// RingCapacity bounds the replay ring; eviction is FIFO.
	RingCapacity = 600

	// subscriberQueueSize bounds each browser subscriber's outbound queue.
	// A subscriber that cannot keep up is dropped.
	subscriberQueueSize = 128

	// dedupWindowSize bounds the remembered client_msg_ids per session.
	dedupWindowSize = 512
)

// Subscription is one browser's attachment to a bridge. The gateway's
// write pump reads C until it is closed; closure means the subscriber was
// dropped or the bridge shut down.
type Subscription struct {
	ID int
	C  <-chan *protocol.Envelope

	bridge *Bridge
}

// Ack records the subscriber's processed high-water mark. Advisory: the
// ring is trimmed by capacity, not by acks.
func (s *Subscription) Ack(lastSeq uint64) {
	s.bridge.ack(s.ID, lastSeq)
}

// Close detaches the subscriber.
func (s *Subscription) Close() {
	s.bridge.unsubscribe(s.ID)
}

type subscriber struct {
	queue         chan *protocol.Envelope
	lastDelivered uint64
	ackedSeq      uint64
	closed        bool
}

// Options configures a bridge at construction.
type Options struct {
	Backend       string
	HostCwd       string
	ContainerCwd  string
	Containerized bool
}

// Bridge is the per-session data plane.
type Bridge struct {
	sessionID string
	opts      Options
	plugins   *plugin.Bus
	store     *session.Store
	logger    *logger.Logger

	mu      sync.Mutex
	adapter backend.Adapter
	seq     uint64
	ring    []*protocol.Envelope

	pendingPerms map[string]*protocol.PermissionRequestData
	toolTimers   map[string]time.Time
	seenCmds     map[string]bool
	seenOrder    []string

	subscribers map[int]*subscriber
	nextSubID   int

	lastState protocol.SessionUpdateData
	closed    bool
}

// New creates a bridge for one session. The adapter attaches separately so
// the bridge can outlive backend crashes and relaunches.
func New(sessionID string, opts Options, plugins *plugin.Bus, store *session.Store, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{
		sessionID:    sessionID,
		opts:         opts,
		plugins:      plugins,
		store:        store,
		logger:       log.WithFields(zap.String("component", "ws-bridge"), zap.String("session_id", sessionID)),
		pendingPerms: make(map[string]*protocol.PermissionRequestData),
		toolTimers:   make(map[string]time.Time),
		seenCmds:     make(map[string]bool),
		subscribers:  make(map[int]*subscriber),
	}
}

// SessionID returns the session this bridge serves.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Containerized reports whether the session runs in a container.
func (b *Bridge) Containerized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts.Containerized
}

// MarkContainerized records the host/container path pair after the
// pipeline launches a containerized CLI.
func (b *Bridge) MarkContainerized(hostCwd, containerCwd string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.Containerized = true
	b.opts.HostCwd = hostCwd
	b.opts.ContainerCwd = containerCwd
}

// Attach binds a backend adapter and starts consuming its events. Called
// at session launch and again on relaunch.
func (b *Bridge) Attach(ctx context.Context, adapter backend.Adapter) {
	b.mu.Lock()
	b.adapter = adapter
	b.mu.Unlock()

	b.emit(protocol.EventCliConnected, nil)
	go b.consume(ctx, adapter)
}

// consume is the single fan-in loop for one adapter attachment.
func (b *Bridge) consume(ctx context.Context, adapter backend.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-adapter.Events():
			if !ok {
				b.onAdapterGone(adapter)
				return
			}
			b.process(ctx, evt)
		case <-adapter.Done():
			// Drain anything the read loop already queued.
			for {
				select {
				case evt, ok := <-adapter.Events():
					if !ok {
						b.onAdapterGone(adapter)
						return
					}
					b.process(ctx, evt)
				default:
					b.onAdapterGone(adapter)
					return
				}
			}
		}
	}
}

// onAdapterGone marks the session disconnected but keeps the bridge (and
// its ring) alive so browsers stay attached and relaunch works.
func (b *Bridge) onAdapterGone(adapter backend.Adapter) {
	b.mu.Lock()
	current := b.adapter == adapter
	if current {
		b.adapter = nil
	}
	closed := b.closed
	b.mu.Unlock()

	if !current || closed {
		return
	}
	b.logger.Info("backend disconnected, bridge stays alive")
	b.emit(protocol.EventCliDisconnected, nil)
}

// process runs one inbound backend event through the full fan-in path:
// stamp, plugin dispatch, bookkeeping, ring append, fan-out.
func (b *Bridge) process(ctx context.Context, evt *protocol.Envelope) {
	dispatch := b.plugins.Dispatch(ctx, evt, b.insightSink)

	switch evt.Name {
	case protocol.EventPermissionRequest:
		b.onPermissionRequest(evt, dispatch)
	case protocol.EventPermissionCancelled:
		b.onPermissionCancelled(evt)
	case protocol.EventToolProgress:
		b.onToolProgress(evt)
	case protocol.EventResult:
		b.onResult(evt)
	case protocol.EventSessionUpdate:
		b.onSessionUpdate(evt)
	default:
		b.clearFinishedToolTimers(evt)
	}

	b.stampAndFanOut(evt)

	for _, in := range dispatch.Insights {
		b.insightSink(in)
	}
	if dispatch.Aborted {
		b.logger.Debug("event dispatch aborted by plugin", zap.String("event", evt.Name))
	}
}

// insightSink surfaces a plugin insight to browsers as a system event.
func (b *Bridge) insightSink(in plugin.Insight) {
	b.emit(protocol.EventSystemEvent, map[string]any{
		"kind":    "insight",
		"insight": in,
	})
}

// emit synthesizes a bridge-sourced envelope and fans it out.
func (b *Bridge) emit(name string, data any) {
	evt, err := protocol.NewEnvelope(name, protocol.SourceBridge, b.sessionID, data)
	if err != nil {
		b.logger.Warn("failed to build envelope", zap.Error(err))
		return
	}
	b.stampAndFanOut(evt)
}

// stampAndFanOut assigns the next seq, appends to the ring, and delivers
// to every subscriber. The per-session seq is strictly increasing,
// contiguous, and never reset for the bridge's lifetime.
func (b *Bridge) stampAndFanOut(evt *protocol.Envelope) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	evt.Seq = b.seq

	b.rewriteCwdLocked(evt)

	b.ring = append(b.ring, evt)
	if len(b.ring) > RingCapacity {
		b.ring = b.ring[len(b.ring)-RingCapacity:]
	}

	type drop struct {
		id  int
		sub *subscriber
	}
	var drops []drop
	for id, sub := range b.subscribers {
		if sub.closed || evt.Seq <= sub.lastDelivered {
			continue
		}
		select {
		case sub.queue <- evt:
			sub.lastDelivered = evt.Seq
		default:
			// Over capacity: drop the subscriber; its close fires the
			// client's reconnect path.
			sub.closed = true
			drops = append(drops, drop{id: id, sub: sub})
		}
	}
	for _, d := range drops {
		delete(b.subscribers, d.id)
		close(d.sub.queue)
	}
	b.mu.Unlock()

	for _, d := range drops {
		b.logger.Warn("dropped slow subscriber", zap.Int("subscriber", d.id))
	}
}

// rewriteCwdLocked rewrites container paths in session_update payloads back
// to the host path browsers know.
func (b *Bridge) rewriteCwdLocked(evt *protocol.Envelope) {
	if !b.opts.Containerized || evt.Name != protocol.EventSessionUpdate || len(evt.Data) == 0 {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return
	}
	cwd, _ := payload["cwd"].(string)
	if cwd == "" || b.opts.ContainerCwd == "" {
		return
	}
	if cwd == b.opts.ContainerCwd {
		payload["cwd"] = b.opts.HostCwd
	} else if len(cwd) > len(b.opts.ContainerCwd) && cwd[:len(b.opts.ContainerCwd)+1] == b.opts.ContainerCwd+"/" {
		payload["cwd"] = b.opts.HostCwd + cwd[len(b.opts.ContainerCwd):]
	} else {
		return
	}
	if data, err := json.Marshal(payload); err == nil {
		evt.Data = data
	}
}

func (b *Bridge) onPermissionRequest(evt *protocol.Envelope, dispatch *plugin.DispatchResult) {
	var req protocol.PermissionRequestData
	if err := evt.DecodeData(&req); err != nil || req.RequestID == "" {
		b.logger.Warn("malformed permission request", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.pendingPerms[req.RequestID] = &req
	b.mu.Unlock()

	if dispatch.PermissionDecision != nil && dispatch.PermissionDecision.RequestID == req.RequestID {
		if err := b.resolvePermission(dispatch.PermissionDecision); err != nil {
			b.logger.Warn("failed to deliver auto-decision", zap.Error(err))
		}
	}
}

func (b *Bridge) onPermissionCancelled(evt *protocol.Envelope) {
	var data protocol.PermissionCancelledData
	if err := evt.DecodeData(&data); err != nil {
		return
	}
	b.mu.Lock()
	delete(b.pendingPerms, data.RequestID)
	b.mu.Unlock()
}

// resolvePermission forwards exactly one decision per request to the
// backend. A request no longer pending means a decision (or cancellation)
// already went out.
func (b *Bridge) resolvePermission(decision *protocol.PermissionDecision) error {
	b.mu.Lock()
	_, pending := b.pendingPerms[decision.RequestID]
	if pending {
		delete(b.pendingPerms, decision.RequestID)
	}
	adapter := b.adapter
	b.mu.Unlock()

	if !pending {
		return apperr.NotFound("permission request not pending: " + decision.RequestID)
	}
	if adapter == nil {
		return apperr.BackendUnavailable("backend not connected")
	}
	return adapter.Send(map[string]any{
		"type":       "permission_response",
		"request_id": decision.RequestID,
		"behavior":   decision.Behavior,
		"message":    decision.Message,
	})
}

// PendingPermissions returns the outstanding request ids.
func (b *Bridge) PendingPermissions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pendingPerms))
	for id := range b.pendingPerms {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bridge) onToolProgress(evt *protocol.Envelope) {
	var data protocol.ToolProgressData
	if err := evt.DecodeData(&data); err != nil || data.ToolUseID == "" {
		return
	}
	b.mu.Lock()
	if _, running := b.toolTimers[data.ToolUseID]; !running {
		b.toolTimers[data.ToolUseID] = time.Now()
	}
	b.mu.Unlock()
}

// clearFinishedToolTimers clears the timer for any tool_result block found
// inside the event payload. Bulk clearing happens only on result.
func (b *Bridge) clearFinishedToolTimers(evt *protocol.Envelope) {
	if len(evt.Data) == 0 {
		return
	}
	var payload any
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return
	}
	ids := toolResultIDs(payload)
	if len(ids) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range ids {
		delete(b.toolTimers, id)
	}
	b.mu.Unlock()
}

// toolResultIDs walks a decoded payload for tool_result blocks.
func toolResultIDs(v any) []string {
	var ids []string
	switch t := v.(type) {
	case map[string]any:
		if t["type"] == "tool_result" {
			if id, ok := t["tool_use_id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
		for _, child := range t {
			ids = append(ids, toolResultIDs(child)...)
		}
	case []any:
		for _, child := range t {
			ids = append(ids, toolResultIDs(child)...)
		}
	}
	return ids
}

// onResult is the turn boundary: bulk-clear tool timers, reset the
// command dedup window, and fold stats into the session record.
func (b *Bridge) onResult(evt *protocol.Envelope) {
	b.mu.Lock()
	b.toolTimers = make(map[string]time.Time)
	b.seenCmds = make(map[string]bool)
	b.seenOrder = nil
	b.mu.Unlock()

	var res protocol.ResultData
	if err := evt.DecodeData(&res); err != nil {
		return
	}
	if b.store != nil {
		if err := b.store.Update(b.sessionID, func(s *session.Session) {
			if res.NumTurns > 0 {
				s.Stats.NumTurns = res.NumTurns
			}
			if res.TotalCostUSD > 0 {
				s.Stats.TotalCostUSD = res.TotalCostUSD
			}
		}); err != nil {
			b.logger.Debug("failed to record result stats", zap.Error(err))
		}
	}
}

func (b *Bridge) onSessionUpdate(evt *protocol.Envelope) {
	var upd protocol.SessionUpdateData
	if err := evt.DecodeData(&upd); err != nil {
		return
	}

	b.mu.Lock()
	if upd.Model != "" {
		b.lastState.Model = upd.Model
	}
	if upd.PermissionMode != "" {
		b.lastState.PermissionMode = upd.PermissionMode
	}
	if upd.Cwd != "" {
		b.lastState.Cwd = upd.Cwd
	}
	if upd.GitBranch != "" {
		b.lastState.GitBranch = upd.GitBranch
	}
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.Update(b.sessionID, func(s *session.Session) {
			if upd.Model != "" {
				s.Model = upd.Model
			}
			if upd.PermissionMode != "" {
				s.PermissionMode = upd.PermissionMode
			}
			if upd.GitBranch != "" {
				s.Git.Branch = upd.GitBranch
			}
			s.Git.Ahead = upd.GitAhead
			s.Git.Behind = upd.GitBehind
			if upd.LinesAdded > 0 {
				s.Stats.LinesAdded = upd.LinesAdded
			}
			if upd.LinesRemoved > 0 {
				s.Stats.LinesRemoved = upd.LinesRemoved
			}
			if upd.ContextUsedPct > 0 {
				s.Stats.ContextUsedPct = upd.ContextUsedPct
			}
		}); err != nil {
			b.logger.Debug("failed to record session update", zap.Error(err))
		}
	}
}

// LastState returns the cached last-known backend state.
func (b *Bridge) LastState() protocol.SessionUpdateData {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastState
}

// Subscribe attaches a browser at a resume cursor. The returned
// subscription's channel first carries the resume payload (event_replay or
// message_history), then live envelopes.
func (b *Bridge) Subscribe(lastSeq uint64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperr.PreconditionFailed("bridge closed")
	}

	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{
		queue:         make(chan *protocol.Envelope, subscriberQueueSize),
		lastDelivered: b.seq,
	}

	resume := b.resumePayloadLocked(lastSeq)
	sub.queue <- resume

	b.subscribers[id] = sub
	b.logger.Debug("subscriber attached",
		zap.Int("subscriber", id), zap.Uint64("last_seq", lastSeq), zap.Uint64("seq", b.seq))

	return &Subscription{ID: id, C: sub.queue, bridge: b}, nil
}

// resumePayloadLocked builds the resume envelope for a cursor. A cursor
// inside the ring gets the exact contiguous tail; an older cursor gets a
// best-effort message_history instead of a silent gap.
func (b *Bridge) resumePayloadLocked(lastSeq uint64) *protocol.Envelope {
	inRing := lastSeq == b.seq ||
		(len(b.ring) > 0 && lastSeq+1 >= b.ring[0].Seq && lastSeq < b.seq)

	if lastSeq > 0 && inRing {
		var tail []*protocol.Envelope
		for _, e := range b.ring {
			if e.Seq > lastSeq {
				tail = append(tail, e)
			}
		}
		if tail == nil {
			tail = []*protocol.Envelope{}
		}
		evt, _ := protocol.NewEnvelope(protocol.EventEventReplay, protocol.SourceBridge, b.sessionID,
			protocol.EventReplayData{Events: tail})
		return evt
	}

	// Cursor 0 or older than the ring: rehydrate from retained messages.
	messages := make([]json.RawMessage, 0, len(b.ring))
	for _, e := range b.ring {
		switch e.Name {
		case protocol.EventAssistant, protocol.EventResult, protocol.EventSessionUpdate,
			protocol.EventStreamEvent, protocol.EventToolUseSummary:
			if raw, err := json.Marshal(e); err == nil {
				messages = append(messages, raw)
			}
		}
	}
	evt, _ := protocol.NewEnvelope(protocol.EventMessageHistory, protocol.SourceBridge, b.sessionID,
		protocol.MessageHistoryData{Messages: messages})
	return evt
}

func (b *Bridge) ack(id int, lastSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok && lastSeq > sub.ackedSeq {
		sub.ackedSeq = lastSeq
	}
}

func (b *Bridge) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(b.subscribers, id)
	close(sub.queue)
}

// SubscriberCount returns the number of attached browsers.
func (b *Bridge) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// HandleCommand routes one browser command to the backend, applying
// idempotence dedup and the user-message mutation chain.
func (b *Bridge) HandleCommand(ctx context.Context, cmd *protocol.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	if protocol.IsIdempotentCommand(cmd.Type) && cmd.ClientMsgID != "" {
		if b.isDuplicate(cmd.ClientMsgID) {
			b.logger.Debug("duplicate command dropped",
				zap.String("type", cmd.Type), zap.String("client_msg_id", cmd.ClientMsgID))
			return nil
		}
	}

	switch cmd.Type {
	case protocol.CmdUserMessage:
		return b.sendUserMessage(ctx, cmd.Content)
	case protocol.CmdPermissionResponse:
		return b.resolvePermission(&protocol.PermissionDecision{
			RequestID: cmd.RequestID,
			Behavior:  cmd.Behavior,
			Message:   cmd.Message,
		})
	case protocol.CmdInterrupt:
		return b.sendToAdapter(map[string]any{"type": "interrupt"})
	case protocol.CmdSetModel:
		return b.sendToAdapter(map[string]any{"type": "set_model", "model": cmd.Model})
	case protocol.CmdSetPermissionMode:
		return b.sendToAdapter(map[string]any{"type": "set_permission_mode", "mode": cmd.Mode})
	case protocol.CmdMcpGetStatus:
		return b.sendToAdapter(map[string]any{"type": "mcp_get_status"})
	case protocol.CmdMcpToggle:
		return b.sendToAdapter(map[string]any{
			"type": "mcp_toggle", "server_name": cmd.ServerName, "enabled": cmd.Enabled != nil && *cmd.Enabled,
		})
	case protocol.CmdMcpReconnect:
		return b.sendToAdapter(map[string]any{"type": "mcp_reconnect", "server_name": cmd.ServerName})
	case protocol.CmdMcpSetServers:
		return b.sendToAdapter(map[string]any{"type": "mcp_set_servers", "servers": cmd.Servers})
	default:
		return apperr.InvalidInput("unsupported command: " + cmd.Type)
	}
}

// sendUserMessage runs the before-send plugin chain and forwards the final
// mutated content to the backend.
func (b *Bridge) sendUserMessage(ctx context.Context, content string) error {
	evt, err := protocol.NewEnvelope(protocol.EventUserMessageBefore, protocol.SourceBridge, b.sessionID,
		protocol.UserMessageData{Content: content})
	if err != nil {
		return err
	}
	dispatch := b.plugins.Dispatch(ctx, evt, b.insightSink)
	for _, in := range dispatch.Insights {
		b.insightSink(in)
	}
	if dispatch.Aborted {
		return apperr.PreconditionFailed("message blocked by plugin")
	}
	final := dispatch.ApplyMutations(content)

	return b.sendToAdapter(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": final,
		},
	})
}

func (b *Bridge) sendToAdapter(msg any) error {
	b.mu.Lock()
	adapter := b.adapter
	b.mu.Unlock()
	if adapter == nil {
		return apperr.BackendUnavailable("backend not connected")
	}
	return adapter.Send(msg)
}

// isDuplicate records the id and reports whether it was already seen
// inside the bounded window.
func (b *Bridge) isDuplicate(clientMsgID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seenCmds[clientMsgID] {
		return true
	}
	b.seenCmds[clientMsgID] = true
	b.seenOrder = append(b.seenOrder, clientMsgID)
	if len(b.seenOrder) > dedupWindowSize {
		evict := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seenCmds, evict)
	}
	return false
}

// Kill shuts the session down: pending permissions are cancelled, never
// resolved — no deny decision goes to the backend during teardown, the
// child's shutdown cancels them. Then close the child and detach all
// subscribers.
func (b *Bridge) Kill() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	adapter := b.adapter
	b.adapter = nil
	cancelled := len(b.pendingPerms)
	b.pendingPerms = make(map[string]*protocol.PermissionRequestData)
	subs := b.subscribers
	b.subscribers = make(map[int]*subscriber)
	b.mu.Unlock()

	if cancelled > 0 {
		b.logger.Debug("cancelled pending permissions on close", zap.Int("count", cancelled))
	}
	if adapter != nil {
		if err := adapter.Close(); err != nil {
			b.logger.Debug("adapter close failed", zap.Error(err))
		}
	}

	for _, sub := range subs {
		if !sub.closed {
			sub.closed = true
			close(sub.queue)
		}
	}
	b.logger.Info("bridge closed")
}

// EmitSessionName pushes a rename to attached browsers.
func (b *Bridge) EmitSessionName(name string) {
	b.emit(protocol.EventSessionNameUpdate, protocol.SessionNameData{Name: name})
}

// Seq returns the current sequence number.
func (b *Bridge) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// String implements fmt.Stringer for logs.
func (b *Bridge) String() string {
	return fmt.Sprintf("bridge(%s)", b.sessionID)
}
