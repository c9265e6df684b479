// Package claudecode provides types and codec for the Claude Code CLI
// --sdk-url protocol: newline-delimited JSON over WebSocket text frames,
// with control requests for tool permissions.
package claudecode

import "encoding/json"

// Message types on the wire
const (
	// MessageTypeSystem is a system message (init, status, hook_response, ...)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or thinking from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent is a partial content update during processing
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeControlCancelRequest cancels an in-flight control request
	MessageTypeControlCancelRequest = "control_cancel_request"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
	// MessageTypeToolProgress reports progress of a running tool
	MessageTypeToolProgress = "tool_progress"
	// MessageTypeToolUseSummary is an informational tool-use summary
	MessageTypeToolUseSummary = "tool_use_summary"
	// MessageTypeKeepAlive is a liveness ping; echoed by the server
	MessageTypeKeepAlive = "keep_alive"
	// MessageTypeAuthStatus reports CLI authentication status
	MessageTypeAuthStatus = "auth_status"
	// MessageTypeUpdateEnvironmentVariables pushes env vars into the CLI
	MessageTypeUpdateEnvironmentVariables = "update_environment_variables"
)

// System message subtypes
const (
	// SubtypeInit is the first system message with session info
	SubtypeInit = "init"
	// SubtypeStatus reports a session status change (e.g. compacting)
	SubtypeStatus = "status"
	// SubtypeHookResponse carries the output of a lifecycle hook
	SubtypeHookResponse = "hook_response"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is a hook callback request
	SubtypeHookCallback = "hook_callback"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSuccess marks a successful control response
	SubtypeSuccess = "success"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// Session status values reported via system/status
const (
	StatusCompacting = "compacting"
)

// Message represents one decoded NDJSON line from the CLI.
// The message type determines which fields are populated.
// Unknown types decode into a Message with only Type and Raw set.
type Message struct {
	// Type is the message type (system, assistant, result, control_request, ...)
	Type string `json:"type"`

	// Subtype for system, result and control messages
	Subtype string `json:"subtype,omitempty"`

	// UUID identifies the message; duplicate uuids are retransmissions
	UUID string `json:"uuid,omitempty"`

	// SessionID is the CLI-assigned session UUID
	SessionID string `json:"session_id,omitempty"`

	// For system/init messages
	Cwd            string      `json:"cwd,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	MCPServers     []MCPServer `json:"mcp_servers,omitempty"`
	Model          string      `json:"model,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`

	// For system/status messages
	Status string `json:"status,omitempty"`

	// For system/hook_response messages
	HookEventName string `json:"hook_event_name,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For result messages.
	// Result can be either a string (error message) or an object.
	Result       json.RawMessage `json:"result,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// For tool_progress messages
	ToolUseID string  `json:"tool_use_id,omitempty"`
	ToolName  string  `json:"tool_name,omitempty"`
	ElapsedMS float64 `json:"elapsed_time_seconds,omitempty"`

	// For tool_use_summary messages
	Summary string `json:"summary,omitempty"`

	// Raw is the original line, retained for unknown types and logging.
	Raw json.RawMessage `json:"-"`
}

// MCPServer describes a configured MCP server from system/init.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents one block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is the inner payload of a stream_event message.
type StreamEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index,omitempty"`
	Delta *TextDelta `json:"delta,omitempty"`
}

// Stream event inner types
const (
	StreamEventContentBlockDelta = "content_block_delta"
	DeltaTypeText                = "text_delta"
)

// TextDelta contains a partial text update.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ControlRequest is the body of a control_request from the CLI.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string `json:"callback_id,omitempty"`
	HookName   string `json:"hook_name,omitempty"`
}

// GetResultString returns the Result field as a string.
// This is used when the result is an error message string.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is sent to provide a prompt to the CLI.
type UserMessage struct {
	Type      string          `json:"type"` // "user"
	Message   UserMessageBody `json:"message"`
	SessionID string          `json:"session_id,omitempty"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserMessage builds a user prompt envelope.
func NewUserMessage(text, sessionID string) *UserMessage {
	return &UserMessage{
		Type:      MessageTypeUser,
		Message:   UserMessageBody{Role: "user", Content: text},
		SessionID: sessionID,
	}
}

// ControlResponseMessage is sent to answer a control_request.
// The request_id lives inside the response envelope, and the permission
// result is nested under the inner "response" key.
type ControlResponseMessage struct {
	Type     string           `json:"type"` // "control_response"
	Response *ControlResponse `json:"response"`
}

// ControlResponse is the envelope of a control response.
type ControlResponse struct {
	Subtype   string `json:"subtype"` // "success" or "error"
	RequestID string `json:"request_id"`

	// For success responses
	Response *PermissionResult `json:"response,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the inner decision of a tool approval response.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput echoes (or modifies) the tool input on allow
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`

	// Message provides feedback to the model on deny
	Message string `json:"message,omitempty"`
}

// NewAllowResponse builds an allow decision for the given request.
func NewAllowResponse(requestID string, updatedInput map[string]any) *ControlResponseMessage {
	return &ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: &ControlResponse{
			Subtype:   SubtypeSuccess,
			RequestID: requestID,
			Response: &PermissionResult{
				Behavior:     BehaviorAllow,
				UpdatedInput: updatedInput,
			},
		},
	}
}

// NewDenyResponse builds a deny decision for the given request.
func NewDenyResponse(requestID, message string) *ControlResponseMessage {
	return &ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: &ControlResponse{
			Subtype:   SubtypeSuccess,
			RequestID: requestID,
			Response: &PermissionResult{
				Behavior: BehaviorDeny,
				Message:  message,
			},
		},
	}
}

// ControlCancelRequest cancels an in-flight control request.
type ControlCancelRequest struct {
	Type      string `json:"type"` // "control_cancel_request"
	RequestID string `json:"request_id"`
}

// NewControlCancelRequest builds a cancellation for the request with the
// given id.
func NewControlCancelRequest(requestID string) *ControlCancelRequest {
	return &ControlCancelRequest{
		Type:      MessageTypeControlCancelRequest,
		RequestID: requestID,
	}
}

// UpdateEnvironmentVariables pushes environment variables into the CLI.
type UpdateEnvironmentVariables struct {
	Type string            `json:"type"` // "update_environment_variables"
	Env  map[string]string `json:"env"`
}

// NewEnvironmentUpdate builds an update_environment_variables frame.
func NewEnvironmentUpdate(env map[string]string) *UpdateEnvironmentVariables {
	return &UpdateEnvironmentVariables{
		Type: MessageTypeUpdateEnvironmentVariables,
		Env:  env,
	}
}

// KeepAlive is the liveness ping frame, identical in both directions.
type KeepAlive struct {
	Type string `json:"type"` // "keep_alive"
}

// Common tool names that require permission
const (
	ToolBash     = "Bash"
	ToolRead     = "Read"
	ToolWrite    = "Write"
	ToolEdit     = "Edit"
	ToolGlob     = "Glob"
	ToolGrep     = "Grep"
	ToolTask     = "Task"
	ToolWebFetch = "WebFetch"
)
