// Package plugin implements the event bus that fans inbound session events
// out to registered plugins, with priority ordering, blocking and
// fire-and-forget dispatch, per-plugin timeouts, capability gating, and
// health tracking.
package plugin

import (
	"context"

	"github.com/companionhq/companion/pkg/protocol"
)

// Capabilities a plugin may declare. Outputs are filtered through the
// per-plugin grant map before they surface anywhere.
const (
	CapInsightToast         = "insight:toast"
	CapInsightSound         = "insight:sound"
	CapInsightDesktop       = "insight:desktop"
	CapPermissionAutoDecide = "permission:auto-decide"
	CapMessageMutate        = "message:mutate"
)

// Fail policies.
const (
	FailContinue = "continue"
	FailAbort    = "abort_current_action"
)

// Health statuses.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// Insight is a plugin-produced notification.
type Insight struct {
	PluginID string `json:"pluginId"`
	Level    string `json:"level"` // info | warn | error
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"` // toast | sound | desktop
}

// Mutation transforms user-message content. Mutations from multiple plugins
// are composed in ascending priority order so the highest-priority plugin
// transforms the already-mutated content.
type Mutation func(content string) string

// Result is what a plugin handler returns for one event.
type Result struct {
	Insights           []Insight
	PermissionDecision *protocol.PermissionDecision
	MessageMutation    Mutation
}

// Handler is a plugin's event callback. The config passed is the plugin's
// effective (validated) configuration.
type Handler func(ctx context.Context, evt *protocol.Envelope, config map[string]any) (*Result, error)

// ConfigValidator rejects invalid persisted configuration.
type ConfigValidator func(config map[string]any) error

// Definition is the static description a plugin registers with.
type Definition struct {
	ID             string
	Name           string
	Version        string
	Events         []string // event names, or "*" for all
	Priority       int      // higher dispatches first
	Blocking       bool
	TimeoutMs      int // 0 means the bus default
	FailPolicy     string
	DefaultEnabled bool
	DefaultConfig  map[string]any
	ValidateConfig ConfigValidator
	Capabilities   []string
	RiskLevel      string
	OnEvent        Handler
}

// Health is a plugin's rolling invocation record.
type Health struct {
	Status               string `json:"status"`
	Successes            int    `json:"successes"`
	Failures             int    `json:"failures"`
	Aborted              int    `json:"aborted"`
	ConsecutiveFailures  int    `json:"consecutiveFailures"`
	ConsecutiveSuccesses int    `json:"consecutiveSuccesses"`
	LastError            string `json:"lastError,omitempty"`
}

// Info is the resolved runtime view of one plugin, returned by List.
type Info struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Events       []string        `json:"events"`
	Priority     int             `json:"priority"`
	Blocking     bool            `json:"blocking"`
	TimeoutMs    int             `json:"timeoutMs"`
	FailPolicy   string          `json:"failPolicy"`
	RiskLevel    string          `json:"riskLevel,omitempty"`
	Enabled      bool            `json:"enabled"`
	Config       map[string]any  `json:"config,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Grants       map[string]bool `json:"grants,omitempty"`
	Health       Health          `json:"health"`
}

// DispatchResult aggregates the outcome of dispatching one event.
type DispatchResult struct {
	Insights           []Insight
	PermissionDecision *protocol.PermissionDecision
	Mutations          []Mutation // ascending priority, ready to apply in order
	Aborted            bool
}

// ApplyMutations runs the composed mutation chain over content.
func (d *DispatchResult) ApplyMutations(content string) string {
	for _, m := range d.Mutations {
		content = m(content)
	}
	return content
}

// matches reports whether the definition subscribes to the event name.
func (d *Definition) matches(name string) bool {
	for _, e := range d.Events {
		if e == "*" || e == name {
			return true
		}
	}
	return false
}
