package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/plugin"
	"github.com/companionhq/companion/pkg/protocol"
)

// fakeAdapter records outbound messages and lets tests inject events.
type fakeAdapter struct {
	events chan *protocol.Envelope
	done   chan struct{}

	mu     sync.Mutex
	sent   []map[string]any
	closed bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		events: make(chan *protocol.Envelope, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeAdapter) Start(context.Context) error       { return nil }
func (f *fakeAdapter) Events() <-chan *protocol.Envelope { return f.events }
func (f *fakeAdapter) Done() <-chan struct{}             { return f.done }

func (f *fakeAdapter) Send(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeAdapter) sentMessages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestBridge(t *testing.T, opts Options) (*Bridge, *fakeAdapter) {
	t.Helper()
	bus := plugin.NewBus(filepath.Join(t.TempDir(), "plugins.json"), 3*time.Second, nil)
	b := New("s1", opts, bus, nil, nil)
	fa := newFakeAdapter()
	b.mu.Lock()
	b.adapter = fa
	b.mu.Unlock()
	return b, fa
}

func backendEvent(t *testing.T, name string, data any) *protocol.Envelope {
	t.Helper()
	evt, err := protocol.NewEnvelope(name, protocol.SourceAdapter, "s1", data)
	require.NoError(t, err)
	return evt
}

func recvEnvelope(t *testing.T, c <-chan *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	select {
	case evt, ok := <-c:
		require.True(t, ok, "subscription closed unexpectedly")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
		return nil
	}
}

func TestSeqIsContiguousAndMonotonic(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)
	defer sub.Close()

	// First frame is the resume payload (empty history here).
	resume := recvEnvelope(t, sub.C)
	assert.Equal(t, protocol.EventMessageHistory, resume.Name)
	assert.Zero(t, resume.Seq)

	for i := 0; i < 5; i++ {
		b.process(ctx, backendEvent(t, protocol.EventAssistant, map[string]any{"n": i}))
	}
	for i := 0; i < 5; i++ {
		evt := recvEnvelope(t, sub.C)
		assert.Equal(t, uint64(i+1), evt.Seq)
	}
	assert.Equal(t, uint64(5), b.Seq())
}

func TestReplayFromRingTail(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx := context.Background()

	for i := 0; i < 55; i++ {
		b.process(ctx, backendEvent(t, protocol.EventAssistant, map[string]any{"n": i}))
	}

	// A client that saw through seq=30 gets exactly 31..55, then live.
	sub, err := b.Subscribe(30)
	require.NoError(t, err)
	defer sub.Close()

	resume := recvEnvelope(t, sub.C)
	require.Equal(t, protocol.EventEventReplay, resume.Name)
	var replay protocol.EventReplayData
	require.NoError(t, resume.DecodeData(&replay))
	require.Len(t, replay.Events, 25)
	assert.Equal(t, uint64(31), replay.Events[0].Seq)
	assert.Equal(t, uint64(55), replay.Events[24].Seq)

	b.process(ctx, backendEvent(t, protocol.EventAssistant, nil))
	live := recvEnvelope(t, sub.C)
	assert.Equal(t, uint64(56), live.Seq)
}

func TestReplayEmptyWhenCaughtUp(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		b.process(ctx, backendEvent(t, protocol.EventAssistant, nil))
	}

	sub, err := b.Subscribe(10)
	require.NoError(t, err)
	defer sub.Close()

	resume := recvEnvelope(t, sub.C)
	require.Equal(t, protocol.EventEventReplay, resume.Name)
	var replay protocol.EventReplayData
	require.NoError(t, resume.DecodeData(&replay))
	assert.Empty(t, replay.Events)
}

func TestCursorOlderThanRingGetsMessageHistory(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx := context.Background()

	// Push well past the ring capacity so the early tail is evicted.
	for i := 0; i < RingCapacity+50; i++ {
		b.process(ctx, backendEvent(t, protocol.EventAssistant, map[string]any{"n": i}))
	}
	require.Equal(t, uint64(RingCapacity+50), b.Seq())

	sub, err := b.Subscribe(5)
	require.NoError(t, err)
	defer sub.Close()

	resume := recvEnvelope(t, sub.C)
	assert.Equal(t, protocol.EventMessageHistory, resume.Name)
	var history protocol.MessageHistoryData
	require.NoError(t, resume.DecodeData(&history))
	assert.Len(t, history.Messages, RingCapacity)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)

	// Never drain; the queue fills and the bridge cuts the subscriber loose.
	for i := 0; i < subscriberQueueSize+50; i++ {
		b.process(ctx, backendEvent(t, protocol.EventAssistant, nil))
	}
	assert.Equal(t, 0, b.SubscriberCount())

	received := 0
	for range sub.C {
		received++
	}
	assert.LessOrEqual(t, received, subscriberQueueSize)
}

func TestCommandDedupWindow(t *testing.T) {
	b, fa := newTestBridge(t, Options{})
	ctx := context.Background()

	cmd := &protocol.Command{Type: protocol.CmdInterrupt, ClientMsgID: "abc"}
	require.NoError(t, b.HandleCommand(ctx, cmd))
	require.NoError(t, b.HandleCommand(ctx, cmd))

	assert.Len(t, fa.sentMessages(), 1, "duplicate client_msg_id must be dropped")

	// The window resets at the turn boundary.
	b.process(ctx, backendEvent(t, protocol.EventResult, protocol.ResultData{NumTurns: 1}))
	require.NoError(t, b.HandleCommand(ctx, cmd))
	assert.Len(t, fa.sentMessages(), 2)
}

func TestPermissionDecisionExactlyOnce(t *testing.T) {
	b, fa := newTestBridge(t, Options{})
	ctx := context.Background()

	b.process(ctx, backendEvent(t, protocol.EventPermissionRequest, protocol.PermissionRequestData{
		RequestID: "req-1",
		ToolName:  "Bash",
	}))
	require.Equal(t, []string{"req-1"}, b.PendingPermissions())

	respond := func(id string) error {
		return b.HandleCommand(ctx, &protocol.Command{
			Type:        protocol.CmdPermissionResponse,
			RequestID:   "req-1",
			Behavior:    protocol.BehaviorAllow,
			ClientMsgID: id,
		})
	}
	require.NoError(t, respond("m1"))
	assert.Empty(t, b.PendingPermissions())

	err := respond("m2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Len(t, fa.sentMessages(), 1, "exactly one decision reaches the backend")
}

func TestPermissionCancelledClearsPending(t *testing.T) {
	b, fa := newTestBridge(t, Options{})
	ctx := context.Background()

	b.process(ctx, backendEvent(t, protocol.EventPermissionRequest, protocol.PermissionRequestData{
		RequestID: "req-1", ToolName: "Bash",
	}))
	b.process(ctx, backendEvent(t, protocol.EventPermissionCancelled, protocol.PermissionCancelledData{
		RequestID: "req-1",
	}))
	assert.Empty(t, b.PendingPermissions())

	err := b.HandleCommand(ctx, &protocol.Command{
		Type: protocol.CmdPermissionResponse, RequestID: "req-1", Behavior: protocol.BehaviorDeny,
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Empty(t, fa.sentMessages(), "no response goes out for a cancelled request")
}

func TestPluginAutoDecisionForwardedImmediately(t *testing.T) {
	bus := plugin.NewBus(filepath.Join(t.TempDir(), "plugins.json"), 3*time.Second, nil)
	require.NoError(t, bus.Register(plugin.PermissionAutomation()))
	require.NoError(t, bus.SetConfig("permission-automation", map[string]any{
		"rules": []any{map[string]any{"toolName": "Bash", "action": "allow"}},
	}))

	b := New("s1", Options{}, bus, nil, nil)
	fa := newFakeAdapter()
	b.mu.Lock()
	b.adapter = fa
	b.mu.Unlock()

	b.process(context.Background(), backendEvent(t, protocol.EventPermissionRequest,
		protocol.PermissionRequestData{RequestID: "req-9", ToolName: "Bash"}))

	assert.Empty(t, b.PendingPermissions(), "auto-decided request must not stay pending")
	sent := fa.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "permission_response", sent[0]["type"])
	assert.Equal(t, "req-9", sent[0]["request_id"])
	assert.Equal(t, "allow", sent[0]["behavior"])
}

func TestUserMessageMutationChain(t *testing.T) {
	bus := plugin.NewBus(filepath.Join(t.TempDir(), "plugins.json"), 3*time.Second, nil)
	require.NoError(t, bus.Register(&plugin.Definition{
		ID:             "prefixer",
		Name:           "Prefixer",
		Events:         []string{protocol.EventUserMessageBefore},
		Priority:       50,
		Blocking:       true,
		DefaultEnabled: true,
		Capabilities:   []string{plugin.CapMessageMutate},
		OnEvent: func(context.Context, *protocol.Envelope, map[string]any) (*plugin.Result, error) {
			return &plugin.Result{MessageMutation: func(s string) string { return "[ctx] " + s }}, nil
		},
	}))

	b := New("s1", Options{}, bus, nil, nil)
	fa := newFakeAdapter()
	b.mu.Lock()
	b.adapter = fa
	b.mu.Unlock()

	require.NoError(t, b.HandleCommand(context.Background(), &protocol.Command{
		Type: protocol.CmdUserMessage, Content: "hello",
	}))

	sent := fa.sentMessages()
	require.Len(t, sent, 1)
	msg, ok := sent[0]["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[ctx] hello", msg["content"])
}

func TestToolTimersClearedByToolResult(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx := context.Background()

	b.process(ctx, backendEvent(t, protocol.EventToolProgress, protocol.ToolProgressData{ToolUseID: "t1"}))
	b.process(ctx, backendEvent(t, protocol.EventToolProgress, protocol.ToolProgressData{ToolUseID: "t2"}))

	b.mu.Lock()
	assert.Len(t, b.toolTimers, 2)
	b.mu.Unlock()

	// A tool_result block inside a user event clears only the matching timer.
	b.process(ctx, backendEvent(t, protocol.EventSystemEvent, map[string]any{
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "t1", "content": "done"},
			},
		},
	}))

	b.mu.Lock()
	assert.Len(t, b.toolTimers, 1)
	_, t2Alive := b.toolTimers["t2"]
	b.mu.Unlock()
	assert.True(t, t2Alive)

	// The result event bulk-clears the rest.
	b.process(ctx, backendEvent(t, protocol.EventResult, protocol.ResultData{}))
	b.mu.Lock()
	assert.Empty(t, b.toolTimers)
	b.mu.Unlock()
}

func TestContainerCwdRewrittenToHost(t *testing.T) {
	b, _ := newTestBridge(t, Options{
		Containerized: true,
		HostCwd:       "/home/dev/project",
		ContainerCwd:  "/workspace",
	})
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)
	defer sub.Close()
	recvEnvelope(t, sub.C) // resume payload

	b.process(ctx, backendEvent(t, protocol.EventSessionUpdate, protocol.SessionUpdateData{
		Cwd: "/workspace/internal/api",
	}))

	evt := recvEnvelope(t, sub.C)
	var upd protocol.SessionUpdateData
	require.NoError(t, evt.DecodeData(&upd))
	assert.Equal(t, "/home/dev/project/internal/api", upd.Cwd)
}

func TestAdapterGoneEmitsCliDisconnected(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	fa := newFakeAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)
	defer sub.Close()
	recvEnvelope(t, sub.C) // resume payload

	b.Attach(ctx, fa)
	evt := recvEnvelope(t, sub.C)
	assert.Equal(t, protocol.EventCliConnected, evt.Name)

	require.NoError(t, fa.Close())
	evt = recvEnvelope(t, sub.C)
	assert.Equal(t, protocol.EventCliDisconnected, evt.Name)

	// The bridge and its ring survive for relaunch.
	assert.Greater(t, b.Seq(), uint64(0))
	assert.Equal(t, apperr.KindBackendUnavailable,
		apperr.KindOf(b.HandleCommand(ctx, &protocol.Command{Type: protocol.CmdInterrupt})))
}

func TestKillCancelsPendingAndDetachesSubscribers(t *testing.T) {
	b, fa := newTestBridge(t, Options{})
	ctx := context.Background()

	b.process(ctx, backendEvent(t, protocol.EventPermissionRequest, protocol.PermissionRequestData{
		RequestID: "req-1", ToolName: "Write",
	}))

	sub, err := b.Subscribe(0)
	require.NoError(t, err)
	recvEnvelope(t, sub.C) // resume payload

	b.Kill()

	// Teardown cancels the pending request; it must not resolve it with a
	// deny decision toward the backend.
	assert.Empty(t, fa.sentMessages())
	assert.True(t, fa.closed)

	for {
		if _, ok := <-sub.C; !ok {
			break
		}
	}
	assert.Equal(t, 0, b.SubscriberCount())

	_, err = b.Subscribe(0)
	assert.Error(t, err, "a killed bridge accepts no new subscribers")
}

func TestSeqNeverResetsAcrossRelaunch(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		b.process(ctx, backendEvent(t, protocol.EventAssistant, nil))
	}
	before := b.Seq()

	second := newFakeAdapter()
	b.Attach(ctx, second) // relaunch emits cli_connected

	assert.Equal(t, before+1, b.Seq())
}

func TestAckIsAdvisory(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)
	defer sub.Close()
	recvEnvelope(t, sub.C)

	for i := 0; i < 5; i++ {
		b.process(ctx, backendEvent(t, protocol.EventAssistant, nil))
	}
	sub.Ack(3)

	b.mu.Lock()
	acked := b.subscribers[sub.ID].ackedSeq
	ringLen := len(b.ring)
	b.mu.Unlock()
	assert.Equal(t, uint64(3), acked)
	assert.Equal(t, 5, ringLen, "acks never trim the ring")
}

func TestInvalidCommandRejected(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	err := b.HandleCommand(context.Background(), &protocol.Command{Type: "launch_missiles"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestDedupWindowBounded(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	for i := 0; i < dedupWindowSize+10; i++ {
		b.isDuplicate(fmt.Sprintf("id-%d", i))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.seenOrder, dedupWindowSize)
	assert.Len(t, b.seenCmds, dedupWindowSize)
	assert.False(t, b.seenCmds["id-0"], "oldest ids are evicted")
}
