// Package backend spawns and speaks to the coding-CLI child processes. Two
// adapter variants exist: stdio JSONL (Claude) and WebSocket JSONL via a
// proxy child (Codex). Both normalize inbound lines into protocol envelopes
// and serialize outbound commands to one line each.
package backend

import (
	"context"
	"encoding/json"

	"github.com/companionhq/companion/pkg/protocol"
)

// Adapter is the protocol-specific bridge to one backend CLI. Inbound
// events appear on Events in the child's emission order, unstamped; the
// bridge assigns seq. Done is closed when the child exits or the transport
// fails fatally.
type Adapter interface {
	Start(ctx context.Context) error
	Events() <-chan *protocol.Envelope
	Send(msg any) error
	Done() <-chan struct{}
	Close() error
}

// LaunchOptions describes one backend CLI invocation.
type LaunchOptions struct {
	Backend        string // claude | codex
	Cwd            string // working directory as the CLI should see it
	Model          string
	PermissionMode string
	AllowedTools   []string
	Env            map[string]string
	ResumeID       string // backend-native session id to resume
	Fork           bool   // resume into a fork instead of continuing

	// Argv overrides the built command entirely. Used for containerized
	// sessions where the CLI runs through a runtime exec.
	Argv []string
}

// CommandArgv returns the CLI invocation for opts: the explicit Argv
// override when set, otherwise the backend's built command line.
func CommandArgv(opts LaunchOptions) []string {
	if len(opts.Argv) != 0 {
		return opts.Argv
	}
	if opts.Backend == protocol.BackendCodex {
		return buildCodexArgv(opts)
	}
	return buildClaudeArgv(opts)
}

// knownEvents is the set of backend event names passed through verbatim.
var knownEvents = map[string]bool{
	protocol.EventSessionInit:         true,
	protocol.EventSessionUpdate:       true,
	protocol.EventAssistant:           true,
	protocol.EventStreamEvent:         true,
	protocol.EventResult:              true,
	protocol.EventPermissionRequest:   true,
	protocol.EventPermissionCancelled: true,
	protocol.EventToolProgress:        true,
	protocol.EventToolUseSummary:      true,
	protocol.EventSystemEvent:         true,
	protocol.EventStatusChange:        true,
	protocol.EventAuthStatus:          true,
	protocol.EventError:               true,
	protocol.EventMcpStatus:           true,
}

// normalizeLine parses one backend JSONL line into an envelope. Lines whose
// type is unknown become system_event so nothing the backend says is
// silently dropped. Unparseable lines return nil.
func normalizeLine(backendType, sessionID string, line []byte) *protocol.Envelope {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil
	}

	name := head.Type
	if !knownEvents[name] {
		name = protocol.EventSystemEvent
	}

	data := make(json.RawMessage, len(line))
	copy(data, line)

	evt, err := protocol.NewEnvelope(name, protocol.SourceAdapter, sessionID, nil)
	if err != nil {
		return nil
	}
	evt.Meta.BackendType = backendType
	evt.Data = data
	return evt
}
