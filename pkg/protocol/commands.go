package protocol

import (
	"encoding/json"
	"fmt"
)

// Browser → server command types.
const (
	CmdSessionSubscribe   = "session_subscribe"
	CmdSessionAck         = "session_ack"
	CmdUserMessage        = "user_message"
	CmdPermissionResponse = "permission_response"
	CmdInterrupt          = "interrupt"
	CmdSetModel           = "set_model"
	CmdSetPermissionMode  = "set_permission_mode"
	CmdMcpGetStatus       = "mcp_get_status"
	CmdMcpToggle          = "mcp_toggle"
	CmdMcpReconnect       = "mcp_reconnect"
	CmdMcpSetServers      = "mcp_set_servers"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Command is a typed JSON frame sent by a browser.
type Command struct {
	Type        string          `json:"type"`
	LastSeq     uint64          `json:"last_seq,omitempty"`
	Content     string          `json:"content,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Behavior    string          `json:"behavior,omitempty"`
	Message     string          `json:"message,omitempty"`
	Model       string          `json:"model,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	ServerName  string          `json:"serverName,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Servers     json.RawMessage `json:"servers,omitempty"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
}

// idempotentCommands are outbound commands deduplicated by client_msg_id.
var idempotentCommands = map[string]bool{
	CmdUserMessage:        true,
	CmdPermissionResponse: true,
	CmdInterrupt:          true,
	CmdSetModel:           true,
	CmdSetPermissionMode:  true,
	CmdMcpGetStatus:       true,
	CmdMcpToggle:          true,
	CmdMcpReconnect:       true,
	CmdMcpSetServers:      true,
}

// IsIdempotentCommand reports whether a command type carries client_msg_id
// dedup semantics.
func IsIdempotentCommand(cmdType string) bool {
	return idempotentCommands[cmdType]
}

// Validate checks the command's required fields.
func (c *Command) Validate() error {
	switch c.Type {
	case CmdSessionSubscribe, CmdSessionAck, CmdInterrupt, CmdMcpGetStatus:
		return nil
	case CmdUserMessage:
		if c.Content == "" {
			return fmt.Errorf("user_message requires content")
		}
	case CmdPermissionResponse:
		if c.RequestID == "" {
			return fmt.Errorf("permission_response requires request_id")
		}
		if c.Behavior != BehaviorAllow && c.Behavior != BehaviorDeny {
			return fmt.Errorf("permission_response behavior must be allow or deny")
		}
	case CmdSetModel:
		if c.Model == "" {
			return fmt.Errorf("set_model requires model")
		}
	case CmdSetPermissionMode:
		if c.Mode == "" {
			return fmt.Errorf("set_permission_mode requires mode")
		}
	case CmdMcpToggle:
		if c.ServerName == "" || c.Enabled == nil {
			return fmt.Errorf("mcp_toggle requires serverName and enabled")
		}
	case CmdMcpReconnect:
		if c.ServerName == "" {
			return fmt.Errorf("mcp_reconnect requires serverName")
		}
	case CmdMcpSetServers:
		if len(c.Servers) == 0 {
			return fmt.Errorf("mcp_set_servers requires servers")
		}
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}
