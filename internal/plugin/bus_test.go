package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/state"
	"github.com/companionhq/companion/pkg/protocol"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	return NewBus(filepath.Join(t.TempDir(), "plugins.json"), 3*time.Second, nil)
}

func envelope(t *testing.T, name string, data any) *protocol.Envelope {
	t.Helper()
	evt, err := protocol.NewEnvelope(name, protocol.SourceAdapter, "s1", data)
	require.NoError(t, err)
	return evt
}

func simpleDef(id string, priority int, handler Handler) *Definition {
	return &Definition{
		ID:             id,
		Name:           id,
		Version:        "1.0.0",
		Events:         []string{"*"},
		Priority:       priority,
		Blocking:       true,
		DefaultEnabled: true,
		Capabilities:   []string{CapMessageMutate, CapPermissionAutoDecide},
		OnEvent:        handler,
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := newBus(t)

	var mu sync.Mutex
	var order []string
	record := func(id string) Handler {
		return func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		}
	}
	require.NoError(t, bus.Register(simpleDef("low", 10, record("low"))))
	require.NoError(t, bus.Register(simpleDef("high", 100, record("high"))))
	require.NoError(t, bus.Register(simpleDef("mid", 50, record("mid"))))

	bus.Dispatch(context.Background(), envelope(t, protocol.EventAssistant, nil), nil)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestMutationComposition(t *testing.T) {
	bus := newBus(t)

	a := simpleDef("a", 100, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return &Result{MessageMutation: func(c string) string { return "[A] " + c }}, nil
	})
	b := simpleDef("b", 50, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return &Result{MessageMutation: func(c string) string { return c + " [B]" }}, nil
	})
	require.NoError(t, bus.Register(a))
	require.NoError(t, bus.Register(b))

	evt := envelope(t, protocol.EventUserMessageBefore, protocol.UserMessageData{Content: "hello"})
	res := bus.Dispatch(context.Background(), evt, nil)
	require.Len(t, res.Mutations, 2)
	assert.Equal(t, "[A] hello [B]", res.ApplyMutations("hello"))
}

func TestFirstPermissionDecisionWins(t *testing.T) {
	bus := newBus(t)

	decide := func(behavior string) Handler {
		return func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
			return &Result{PermissionDecision: &protocol.PermissionDecision{
				RequestID: "r1", Behavior: behavior,
			}}, nil
		}
	}
	require.NoError(t, bus.Register(simpleDef("high", 100, decide(protocol.BehaviorAllow))))
	require.NoError(t, bus.Register(simpleDef("low", 10, decide(protocol.BehaviorDeny))))

	res := bus.Dispatch(context.Background(), envelope(t, protocol.EventPermissionRequest, nil), nil)
	require.NotNil(t, res.PermissionDecision)
	assert.Equal(t, protocol.BehaviorAllow, res.PermissionDecision.Behavior)
}

func TestCapabilityGatingSuppressesDecision(t *testing.T) {
	bus := newBus(t)

	def := simpleDef("auto", 100, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return &Result{PermissionDecision: &protocol.PermissionDecision{
			RequestID: "r1", Behavior: protocol.BehaviorAllow,
		}}, nil
	})
	require.NoError(t, bus.Register(def))

	evt := envelope(t, protocol.EventPermissionRequest, nil)
	res := bus.Dispatch(context.Background(), evt, nil)
	require.NotNil(t, res.PermissionDecision, "granted by default")

	require.NoError(t, bus.SetGrant("auto", CapPermissionAutoDecide, false))
	res = bus.Dispatch(context.Background(), evt, nil)
	assert.Nil(t, res.PermissionDecision)
	require.NotEmpty(t, res.Insights)
	assert.Contains(t, res.Insights[0].Message, "Capability blocked")
}

func TestInsightChannelGating(t *testing.T) {
	bus := newBus(t)

	def := simpleDef("toaster", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return &Result{Insights: []Insight{{Level: "info", Message: "ping", Channel: "toast"}}}, nil
	})
	def.Capabilities = []string{CapInsightToast}
	require.NoError(t, bus.Register(def))
	require.NoError(t, bus.SetGrant("toaster", CapInsightToast, false))

	res := bus.Dispatch(context.Background(), envelope(t, protocol.EventAssistant, nil), nil)
	require.Len(t, res.Insights, 1)
	assert.Contains(t, res.Insights[0].Message, "Capability blocked: insight:toast")
}

func TestFailPolicyAbortStopsDispatch(t *testing.T) {
	bus := newBus(t)

	aborter := simpleDef("aborter", 100, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return nil, errors.New("boom")
	})
	aborter.FailPolicy = FailAbort

	ran := false
	lower := simpleDef("lower", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, bus.Register(aborter))
	require.NoError(t, bus.Register(lower))

	res := bus.Dispatch(context.Background(), envelope(t, protocol.EventPermissionRequest, nil), nil)
	assert.True(t, res.Aborted)
	assert.False(t, ran, "lower-priority plugin must not run after abort")
	assert.Nil(t, res.PermissionDecision, "request stays pending for browser resolution")

	for _, info := range bus.List() {
		if info.ID == "aborter" {
			assert.Equal(t, 1, info.Health.Aborted)
			assert.Equal(t, 1, info.Health.Failures)
		}
	}
}

func TestFailPolicyContinue(t *testing.T) {
	bus := newBus(t)

	failing := simpleDef("failing", 100, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return nil, errors.New("boom")
	})
	ran := false
	lower := simpleDef("lower", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, bus.Register(failing))
	require.NoError(t, bus.Register(lower))

	res := bus.Dispatch(context.Background(), envelope(t, protocol.EventAssistant, nil), nil)
	assert.False(t, res.Aborted)
	assert.True(t, ran)
	require.NotEmpty(t, res.Insights)
	assert.Equal(t, "error", res.Insights[0].Level)
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	bus := NewBus(filepath.Join(t.TempDir(), "plugins.json"), 3*time.Second, nil)

	slow := simpleDef("slow", 10, func(ctx context.Context, _ *protocol.Envelope, _ map[string]any) (*Result, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	slow.TimeoutMs = 50
	require.NoError(t, bus.Register(slow))

	start := time.Now()
	res := bus.Dispatch(context.Background(), envelope(t, protocol.EventAssistant, nil), nil)
	assert.Less(t, time.Since(start), time.Second)
	require.NotEmpty(t, res.Insights)
	assert.Contains(t, res.Insights[0].Message, "timed out")
}

func TestNonBlockingNeverContributesDecisions(t *testing.T) {
	bus := newBus(t)

	def := simpleDef("async", 100, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return &Result{
			PermissionDecision: &protocol.PermissionDecision{RequestID: "r1", Behavior: protocol.BehaviorAllow},
			Insights:           []Insight{{Level: "info", Message: "done"}},
		}, nil
	})
	def.Blocking = false
	require.NoError(t, bus.Register(def))

	var mu sync.Mutex
	var got []Insight
	res := bus.Dispatch(context.Background(), envelope(t, protocol.EventPermissionRequest, nil), func(in Insight) {
		mu.Lock()
		got = append(got, in)
		mu.Unlock()
	})

	assert.Nil(t, res.PermissionDecision)
	assert.Empty(t, res.Mutations)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got, "non-blocking insights arrive via the sink")
	assert.Equal(t, "done", got[0].Message)
}

func TestHealthDegradesAndRecovers(t *testing.T) {
	bus := newBus(t)

	shouldFail := true
	def := simpleDef("flaky", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		if shouldFail {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	require.NoError(t, bus.Register(def))

	evt := envelope(t, protocol.EventAssistant, nil)
	for i := 0; i < 3; i++ {
		bus.Dispatch(context.Background(), evt, nil)
	}
	assert.Equal(t, HealthDegraded, bus.List()[0].Health.Status)

	shouldFail = false
	for i := 0; i < healthyAfterSuccesses; i++ {
		bus.Dispatch(context.Background(), evt, nil)
	}
	assert.Equal(t, HealthHealthy, bus.List()[0].Health.Status)
}

func TestDryRunDoesNotTouchCounters(t *testing.T) {
	bus := newBus(t)
	require.NoError(t, bus.Register(simpleDef("p", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return &Result{Insights: []Insight{{Level: "info", Message: "hi"}}}, nil
	})))

	res, err := bus.DryRun(context.Background(), "p", envelope(t, protocol.EventAssistant, nil))
	require.NoError(t, err)
	require.Len(t, res.Insights, 1)

	info := bus.List()[0]
	assert.Zero(t, info.Health.Successes)
	assert.Zero(t, info.Health.Failures)

	_, err = bus.DryRun(context.Background(), "missing", envelope(t, protocol.EventAssistant, nil))
	assert.Error(t, err)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.json")

	bus := NewBus(path, 3*time.Second, nil)
	def := simpleDef("p", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return nil, nil
	})
	require.NoError(t, bus.Register(def))
	require.NoError(t, bus.SetEnabled("p", false))
	require.NoError(t, bus.SetGrant("p", CapMessageMutate, false))

	reloaded := NewBus(path, 3*time.Second, nil)
	def2 := simpleDef("p", 10, def.OnEvent)
	require.NoError(t, reloaded.Register(def2))

	info := reloaded.List()[0]
	assert.False(t, info.Enabled)
	assert.False(t, info.Grants[CapMessageMutate])
	assert.True(t, info.Grants[CapPermissionAutoDecide], "untouched grants keep defaults")
}

func TestInvalidPersistedConfigFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.json")
	require.NoError(t, state.SaveJSON(path, persistedState{
		Enabled: map[string]bool{"p": true},
		Config:  map[string]map[string]any{"p": {"threshold": "not-a-number"}},
	}, 0644))

	bus := NewBus(path, 3*time.Second, nil)
	def := simpleDef("p", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		return nil, nil
	})
	def.DefaultConfig = map[string]any{"threshold": float64(5)}
	def.ValidateConfig = func(cfg map[string]any) error {
		if _, ok := cfg["threshold"].(float64); !ok {
			return errors.New("threshold must be a number")
		}
		return nil
	}
	require.NoError(t, bus.Register(def))

	info := bus.List()[0]
	assert.Equal(t, float64(5), info.Config["threshold"], "fell back to default")

	// The default was persisted back out.
	var ps persistedState
	ok, err := state.LoadJSON(path, &ps)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(5), ps.Config["p"]["threshold"])
}

func TestDisabledPluginSkipped(t *testing.T) {
	bus := newBus(t)

	ran := false
	def := simpleDef("p", 10, func(context.Context, *protocol.Envelope, map[string]any) (*Result, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, bus.Register(def))
	require.NoError(t, bus.SetEnabled("p", false))

	bus.Dispatch(context.Background(), envelope(t, protocol.EventAssistant, nil), nil)
	assert.False(t, ran)
}
