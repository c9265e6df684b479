// Package session implements the WebSocket session manager terminating the
// Claude Code CLI protocol. It owns one State per connected session, derives
// status from the message stream, gates tool use through the rule engine,
// and emits live events on the bus.
package session

import (
	"time"

	"github.com/csmhq/csm/pkg/claudecode"
)

// Status is the derived lifecycle status of a session.
type Status string

const (
	StatusConnecting      Status = "connecting"
	StatusInitializing    Status = "initializing"
	StatusReady           Status = "ready"
	StatusWorking         Status = "working"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompacting      Status = "compacting"
	StatusError           Status = "error"
	StatusDisconnected    Status = "disconnected"
)

// PendingToolApproval is a can_use_tool request awaiting a human decision.
// At most one exists per session at any time.
type PendingToolApproval struct {
	RequestID  string         `json:"requestId"`
	ToolName   string         `json:"toolName"`
	ToolInput  map[string]any `json:"toolInput"`
	ToolUseID  string         `json:"toolUseId"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// Usage is the accumulated token usage of a session. Components only ever
// increase; retransmitted messages (duplicate uuids) are not counted twice.
type Usage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
}

func (u *Usage) add(w *claudecode.Usage) {
	if w == nil {
		return
	}
	u.InputTokens += w.InputTokens
	u.OutputTokens += w.OutputTokens
	u.CacheCreationInputTokens += w.CacheCreationInputTokens
	u.CacheReadInputTokens += w.CacheReadInputTokens
}

// State is the live view of one WS-connected session. It is owned by the
// manager; readers always get a value copy via Clone.
type State struct {
	SessionName     string `json:"sessionName"`
	ClaudeSessionID string `json:"claudeSessionId,omitempty"`
	Status          Status `json:"status"`

	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools"`
	MCPServers     []string `json:"mcpServers"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`

	LastAssistantMessage string                    `json:"lastAssistantMessage,omitempty"`
	LastAssistantContent []claudecode.ContentBlock `json:"lastAssistantContent,omitempty"`

	PendingToolApproval *PendingToolApproval `json:"pendingToolApproval,omitempty"`

	TurnCount    int     `json:"turnCount"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	TotalUsage   Usage   `json:"totalUsage"`

	// StreamingText accumulates text_delta payloads since the last
	// assistant/result boundary.
	StreamingText string `json:"streamingText"`

	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Clone returns a deep value copy safe to hand to readers and event
// subscribers while the owner keeps mutating the original.
func (s *State) Clone() State {
	out := *s
	if s.Tools != nil {
		out.Tools = append([]string(nil), s.Tools...)
	}
	if s.MCPServers != nil {
		out.MCPServers = append([]string(nil), s.MCPServers...)
	}
	if s.LastAssistantContent != nil {
		out.LastAssistantContent = append([]claudecode.ContentBlock(nil), s.LastAssistantContent...)
	}
	if s.PendingToolApproval != nil {
		p := *s.PendingToolApproval
		if p.ToolInput != nil {
			input := make(map[string]any, len(p.ToolInput))
			for k, v := range p.ToolInput {
				input[k] = v
			}
			p.ToolInput = input
		}
		out.PendingToolApproval = &p
	}
	return out
}
