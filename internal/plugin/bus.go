package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/apperr"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/state"
	"github.com/companionhq/companion/pkg/protocol"
)

const (
	degradedAfterFailures = 3
	healthyAfterSuccesses = 100
)

// persistedState is the on-disk shape of plugins.json.
type persistedState struct {
	UpdatedAt time.Time                  `json:"updatedAt"`
	Enabled   map[string]bool            `json:"enabled"`
	Config    map[string]map[string]any  `json:"config"`
	Grants    map[string]map[string]bool `json:"grants"`
}

// runtimeState is the mutable per-plugin state.
type runtimeState struct {
	enabled bool
	config  map[string]any
	grants  map[string]bool
	health  Health
}

// InsightSink receives insights produced outside a blocking dispatch.
type InsightSink func(Insight)

// Bus is the plugin event bus. The registry is append-only after boot;
// runtime state is guarded by one mutex and persisted atomically.
type Bus struct {
	statePath      string
	defaultTimeout time.Duration
	logger         *logger.Logger

	mu     sync.Mutex
	defs   []*Definition
	byID   map[string]*Definition
	states map[string]*runtimeState
	loaded persistedState
}

// NewBus creates a bus, restoring enabled flags, configs, and grants from
// statePath. A corrupt file starts from defaults.
func NewBus(statePath string, defaultTimeout time.Duration, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	b := &Bus{
		statePath:      statePath,
		defaultTimeout: defaultTimeout,
		logger:         log.WithFields(zap.String("component", "plugin-bus")),
		byID:           make(map[string]*Definition),
		states:         make(map[string]*runtimeState),
	}

	ok, err := state.LoadJSON(statePath, &b.loaded)
	if err != nil {
		b.logger.Warn("plugin state corrupt, using defaults", zap.Error(err))
	}
	if !ok || b.loaded.Enabled == nil {
		b.loaded.Enabled = make(map[string]bool)
	}
	if b.loaded.Config == nil {
		b.loaded.Config = make(map[string]map[string]any)
	}
	if b.loaded.Grants == nil {
		b.loaded.Grants = make(map[string]map[string]bool)
	}
	return b
}

// Register adds a plugin definition and resolves its runtime state from
// persisted values. Invalid persisted config falls back to the default with
// a one-shot warning, and the default is persisted.
func (b *Bus) Register(def *Definition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byID[def.ID]; exists {
		return fmt.Errorf("plugin already registered: %s", def.ID)
	}
	if def.FailPolicy == "" {
		def.FailPolicy = FailContinue
	}

	st := &runtimeState{
		enabled: def.DefaultEnabled,
		config:  def.DefaultConfig,
		grants:  make(map[string]bool, len(def.Capabilities)),
		health:  Health{Status: HealthHealthy},
	}
	// Declared capabilities are granted until revoked.
	for _, capability := range def.Capabilities {
		st.grants[capability] = true
	}

	if enabled, ok := b.loaded.Enabled[def.ID]; ok {
		st.enabled = enabled
	}
	persistDefault := false
	if cfg, ok := b.loaded.Config[def.ID]; ok {
		if def.ValidateConfig != nil {
			if err := def.ValidateConfig(cfg); err != nil {
				b.logger.Warn("invalid persisted plugin config, using default",
					zap.String("plugin", def.ID), zap.Error(err))
				persistDefault = true
			} else {
				st.config = cfg
			}
		} else {
			st.config = cfg
		}
	}
	for capability, granted := range b.loaded.Grants[def.ID] {
		st.grants[capability] = granted
	}

	b.defs = append(b.defs, def)
	b.byID[def.ID] = def
	b.states[def.ID] = st

	if persistDefault {
		return b.persistLocked()
	}
	return nil
}

// Dispatch fans one event out to all matching enabled plugins in descending
// priority order. Blocking plugins run inline and contribute insights, at
// most one permission decision, and mutations; non-blocking plugins run in
// the background and surface insights through sink only.
func (b *Bus) Dispatch(ctx context.Context, evt *protocol.Envelope, sink InsightSink) *DispatchResult {
	type contributor struct {
		def *Definition
		cfg map[string]any
	}

	b.mu.Lock()
	var matching []contributor
	for _, def := range b.defs {
		st := b.states[def.ID]
		if st.enabled && def.matches(evt.Name) {
			matching = append(matching, contributor{def: def, cfg: st.config})
		}
	}
	b.mu.Unlock()

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].def.Priority > matching[j].def.Priority
	})

	result := &DispatchResult{}
	type rankedMutation struct {
		priority int
		order    int
		m        Mutation
	}
	var mutations []rankedMutation

	for i, c := range matching {
		if !c.def.Blocking {
			b.dispatchAsync(ctx, c.def, c.cfg, evt, sink)
			continue
		}

		res, err := b.invoke(ctx, c.def, c.cfg, evt)
		if err != nil {
			b.recordFailure(c.def.ID, err)
			failInsight := Insight{
				PluginID: c.def.ID,
				Level:    "error",
				Message:  fmt.Sprintf("Plugin %s failed: %v", c.def.ID, err),
			}
			result.Insights = append(result.Insights, failInsight)
			if sink != nil {
				sink(failInsight)
			}
			if c.def.FailPolicy == FailAbort {
				b.recordAborted(c.def.ID)
				result.Aborted = true
				b.logger.Warn("plugin aborted event dispatch",
					zap.String("plugin", c.def.ID), zap.String("event", evt.Name))
				break
			}
			continue
		}
		b.recordSuccess(c.def.ID)
		if res == nil {
			continue
		}

		gated := b.gate(c.def, res)
		result.Insights = append(result.Insights, gated.Insights...)
		if gated.PermissionDecision != nil && result.PermissionDecision == nil {
			result.PermissionDecision = gated.PermissionDecision
		}
		if gated.MessageMutation != nil {
			mutations = append(mutations, rankedMutation{
				priority: c.def.Priority,
				order:    i,
				m:        gated.MessageMutation,
			})
		}
	}

	// Lower-priority mutations apply first so the highest-priority plugin
	// ends up transforming the already-mutated content.
	sort.SliceStable(mutations, func(i, j int) bool {
		if mutations[i].priority != mutations[j].priority {
			return mutations[i].priority < mutations[j].priority
		}
		return mutations[i].order > mutations[j].order
	})
	for _, rm := range mutations {
		result.Mutations = append(result.Mutations, rm.m)
	}
	return result
}

// dispatchAsync runs a non-blocking plugin in the background. Its result
// never contributes decisions or mutations.
func (b *Bus) dispatchAsync(ctx context.Context, def *Definition, cfg map[string]any, evt *protocol.Envelope, sink InsightSink) {
	cloned := evt.Clone()
	go func() {
		res, err := b.invoke(context.WithoutCancel(ctx), def, cfg, cloned)
		if err != nil {
			b.recordFailure(def.ID, err)
			if sink != nil {
				sink(Insight{
					PluginID: def.ID,
					Level:    "error",
					Message:  fmt.Sprintf("Plugin %s failed: %v", def.ID, err),
				})
			}
			return
		}
		b.recordSuccess(def.ID)
		if res == nil || sink == nil {
			return
		}
		gated := b.gate(def, res)
		for _, in := range gated.Insights {
			sink(in)
		}
	}()
}

// invoke runs one handler under its timeout. A handler that outlives the
// deadline is abandoned and reported as a timeout.
func (b *Bus) invoke(ctx context.Context, def *Definition, cfg map[string]any, evt *protocol.Envelope) (*Result, error) {
	timeout := b.defaultTimeout
	if def.TimeoutMs > 0 {
		timeout = time.Duration(def.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := def.OnEvent(runCtx, evt, cfg)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-runCtx.Done():
		return nil, apperr.Timeout(fmt.Sprintf("plugin %s timed out after %v", def.ID, timeout))
	}
}

// gate filters a plugin result through its capability grants. Blocked
// outputs are replaced by an informational insight.
func (b *Bus) gate(def *Definition, res *Result) *Result {
	b.mu.Lock()
	st := b.states[def.ID]
	grants := make(map[string]bool, len(st.grants))
	for k, v := range st.grants {
		grants[k] = v
	}
	b.mu.Unlock()

	gated := &Result{}
	blocked := func(capability string) Insight {
		return Insight{
			PluginID: def.ID,
			Level:    "info",
			Message:  "Capability blocked: " + capability,
		}
	}

	for _, in := range res.Insights {
		needed := ""
		switch in.Channel {
		case "toast":
			needed = CapInsightToast
		case "sound":
			needed = CapInsightSound
		case "desktop":
			needed = CapInsightDesktop
		}
		if needed != "" && !grants[needed] {
			gated.Insights = append(gated.Insights, blocked(needed))
			continue
		}
		in.PluginID = def.ID
		gated.Insights = append(gated.Insights, in)
	}

	if res.PermissionDecision != nil {
		if grants[CapPermissionAutoDecide] {
			gated.PermissionDecision = res.PermissionDecision
		} else {
			gated.Insights = append(gated.Insights, blocked(CapPermissionAutoDecide))
		}
	}
	if res.MessageMutation != nil {
		if grants[CapMessageMutate] {
			gated.MessageMutation = res.MessageMutation
		} else {
			gated.Insights = append(gated.Insights, blocked(CapMessageMutate))
		}
	}
	return gated
}

// DryRun executes a single plugin synchronously without touching its
// health counters. Used for debugging via the introspection API.
func (b *Bus) DryRun(ctx context.Context, id string, evt *protocol.Envelope) (*Result, error) {
	b.mu.Lock()
	def, ok := b.byID[id]
	var cfg map[string]any
	if ok {
		cfg = b.states[id].config
	}
	b.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("plugin not found: " + id)
	}

	res, err := b.invoke(ctx, def, cfg, evt)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &Result{}, nil
	}
	return b.gate(def, res), nil
}

// SetEnabled toggles a plugin and persists.
func (b *Bus) SetEnabled(id string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[id]
	if !ok {
		return apperr.NotFound("plugin not found: " + id)
	}
	st.enabled = enabled
	return b.persistLocked()
}

// SetGrant flips one capability grant and persists.
func (b *Bus) SetGrant(id, capability string, granted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[id]
	if !ok {
		return apperr.NotFound("plugin not found: " + id)
	}
	st.grants[capability] = granted
	return b.persistLocked()
}

// SetConfig replaces a plugin's effective config after validation.
func (b *Bus) SetConfig(id string, cfg map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	def, ok := b.byID[id]
	if !ok {
		return apperr.NotFound("plugin not found: " + id)
	}
	if def.ValidateConfig != nil {
		if err := def.ValidateConfig(cfg); err != nil {
			return apperr.Wrap(apperr.KindInvalidInput, "invalid plugin config", err)
		}
	}
	b.states[id].config = cfg
	return b.persistLocked()
}

// List returns the resolved runtime info for every plugin, highest
// priority first.
func (b *Bus) List() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Info, 0, len(b.defs))
	for _, def := range b.defs {
		st := b.states[def.ID]
		timeoutMs := int(b.defaultTimeout / time.Millisecond)
		if def.TimeoutMs > 0 {
			timeoutMs = def.TimeoutMs
		}
		grants := make(map[string]bool, len(st.grants))
		for k, v := range st.grants {
			grants[k] = v
		}
		out = append(out, Info{
			ID:           def.ID,
			Name:         def.Name,
			Version:      def.Version,
			Events:       def.Events,
			Priority:     def.Priority,
			Blocking:     def.Blocking,
			TimeoutMs:    timeoutMs,
			FailPolicy:   def.FailPolicy,
			RiskLevel:    def.RiskLevel,
			Enabled:      st.enabled,
			Config:       st.config,
			Capabilities: def.Capabilities,
			Grants:       grants,
			Health:       st.health,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (b *Bus) recordSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[id]
	if !ok {
		return
	}
	h := &st.health
	h.Successes++
	h.ConsecutiveSuccesses++
	h.ConsecutiveFailures = 0
	if h.Status == HealthDegraded && h.ConsecutiveSuccesses >= healthyAfterSuccesses {
		h.Status = HealthHealthy
		b.logger.Info("plugin recovered", zap.String("plugin", id))
	}
}

func (b *Bus) recordFailure(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[id]
	if !ok {
		return
	}
	h := &st.health
	h.Failures++
	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	h.LastError = err.Error()
	if h.ConsecutiveFailures >= degradedAfterFailures && h.Status != HealthDegraded {
		h.Status = HealthDegraded
		b.logger.Warn("plugin degraded",
			zap.String("plugin", id), zap.Int("consecutive_failures", h.ConsecutiveFailures))
	}
}

func (b *Bus) recordAborted(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[id]; ok {
		st.health.Aborted++
	}
}

func (b *Bus) persistLocked() error {
	ps := persistedState{
		UpdatedAt: time.Now(),
		Enabled:   make(map[string]bool, len(b.states)),
		Config:    make(map[string]map[string]any, len(b.states)),
		Grants:    make(map[string]map[string]bool, len(b.states)),
	}
	for id, st := range b.states {
		ps.Enabled[id] = st.enabled
		if st.config != nil {
			ps.Config[id] = st.config
		}
		grants := make(map[string]bool, len(st.grants))
		for k, v := range st.grants {
			grants[k] = v
		}
		ps.Grants[id] = grants
	}
	return state.SaveJSON(b.statePath, ps, 0644)
}
