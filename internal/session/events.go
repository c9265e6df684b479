package session

// Event types emitted on the bus, one subject per session
// (bus.SessionSubject).
const (
	EventSessionConnected     = "session_connected"
	EventSessionDisconnected  = "session_disconnected"
	EventStatusChanged        = "status_changed"
	EventAssistantMessage     = "assistant_message"
	EventStreamDelta          = "stream_delta"
	EventToolApprovalNeeded   = "tool_approval_needed"
	EventToolApprovalResolved = "tool_approval_resolved"
	EventToolAutoApproved     = "tool_auto_approved"
	EventToolAutoDenied       = "tool_auto_denied"
	EventResult               = "result"
	EventError                = "error"
	EventToolProgress         = "tool_progress"
	EventStateSnapshot        = "state_snapshot"
)
