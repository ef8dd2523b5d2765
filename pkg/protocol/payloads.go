package protocol

import "encoding/json"

// PermissionRequestData is the payload of a permission_request envelope.
type PermissionRequestData struct {
	RequestID      string          `json:"request_id"`
	ToolName       string          `json:"tool_name"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Command        string          `json:"command,omitempty"`  // normalized flat view
	FilePath       string          `json:"filePath,omitempty"` // normalized flat view
	PermissionMode string          `json:"permission_mode,omitempty"`
	RequestHash    string          `json:"request_hash,omitempty"`
}

// PermissionCancelledData is the payload of a permission_cancelled envelope.
type PermissionCancelledData struct {
	RequestID string `json:"request_id"`
}

// PermissionDecision is the single decision forwarded to the backend for a
// permission request.
type PermissionDecision struct {
	RequestID string `json:"request_id"`
	Behavior  string `json:"behavior"` // allow | deny
	Message   string `json:"message,omitempty"`
}

// ToolProgressData is the payload of a tool_progress envelope.
type ToolProgressData struct {
	ToolUseID string  `json:"tool_use_id"`
	ToolName  string  `json:"tool_name,omitempty"`
	ElapsedMs int64   `json:"elapsed_ms,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
}

// SessionUpdateData is the payload of a session_update envelope.
type SessionUpdateData struct {
	Model          string  `json:"model,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
	Cwd            string  `json:"cwd,omitempty"`
	GitBranch      string  `json:"git_branch,omitempty"`
	GitAhead       int     `json:"git_ahead,omitempty"`
	GitBehind      int     `json:"git_behind,omitempty"`
	LinesAdded     int     `json:"lines_added,omitempty"`
	LinesRemoved   int     `json:"lines_removed,omitempty"`
	NumTurns       int     `json:"num_turns,omitempty"`
	TotalCostUSD   float64 `json:"total_cost_usd,omitempty"`
	ContextUsedPct float64 `json:"context_used_pct,omitempty"`
	Containerized  bool    `json:"containerized,omitempty"`
}

// ResultData is the payload of a result envelope (turn boundary).
type ResultData struct {
	Subtype      string  `json:"subtype,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
}

// UserMessageData is the payload handed to plugins for
// user.message.before_send.
type UserMessageData struct {
	Content string `json:"content"`
}

// EventReplayData is the payload of an event_replay envelope: the exact
// contiguous tail of the replay ring past the subscriber's cursor.
type EventReplayData struct {
	Events []*Envelope `json:"events"`
}

// MessageHistoryData is the payload of a message_history envelope: a
// best-effort reconstruction for cursors older than the ring.
type MessageHistoryData struct {
	Messages []json.RawMessage `json:"messages"`
}

// SessionNameData is the payload of a session_name_update envelope.
type SessionNameData struct {
	Name string `json:"name"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Message string `json:"message"`
}
