// Package protocol defines the uniform message envelope and the wire frames
// exchanged between the daemon, backend adapters, and browser clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventVersion is the envelope schema version.
const EventVersion = 2

// Envelope sources.
const (
	SourceRoutes    = "routes"
	SourceBridge    = "ws-bridge"
	SourceAdapter   = "backend-adapter"
	SourcePluginBus = "plugin-bus"
)

// Backend kinds.
const (
	BackendClaude = "claude"
	BackendCodex  = "codex"
)

// Event names carried in Envelope.Name.
const (
	EventSessionInit         = "session_init"
	EventSessionUpdate       = "session_update"
	EventAssistant           = "assistant"
	EventStreamEvent         = "stream_event"
	EventResult              = "result"
	EventPermissionRequest   = "permission_request"
	EventPermissionCancelled = "permission_cancelled"
	EventToolProgress        = "tool_progress"
	EventToolUseSummary      = "tool_use_summary"
	EventSystemEvent         = "system_event"
	EventStatusChange        = "status_change"
	EventAuthStatus          = "auth_status"
	EventError               = "error"
	EventCliDisconnected     = "cli_disconnected"
	EventCliConnected        = "cli_connected"
	EventSessionNameUpdate   = "session_name_update"
	EventPRStatusUpdate      = "pr_status_update"
	EventMcpStatus           = "mcp_status"
	EventMessageHistory      = "message_history"
	EventEventReplay         = "event_replay"
	EventUserMessageBefore   = "user.message.before_send"
)

// Meta carries envelope metadata.
type Meta struct {
	EventID       string    `json:"eventId"`
	EventVersion  int       `json:"eventVersion"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	SessionID     string    `json:"sessionId,omitempty"`
	BackendType   string    `json:"backendType,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Envelope is the uniform message shape between adapter, bridge, plugins,
// and browsers. Seq is stamped by the bridge; it is zero until an envelope
// crosses a fan-out boundary.
type Envelope struct {
	Seq  uint64          `json:"seq,omitempty"`
	Name string          `json:"name"`
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a fresh event id and timestamp.
func NewEnvelope(name, source, sessionID string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return &Envelope{
		Name: name,
		Meta: Meta{
			EventID:      uuid.New().String(),
			EventVersion: EventVersion,
			Timestamp:    time.Now().UTC(),
			Source:       source,
			SessionID:    sessionID,
		},
		Data: raw,
	}, nil
}

// Clone returns a shallow copy of the envelope with its own Data slice.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Data != nil {
		c.Data = make(json.RawMessage, len(e.Data))
		copy(c.Data, e.Data)
	}
	return &c
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
