package api

import "github.com/csmhq/csm/internal/events"

// messageRequest is the body of POST /api/sessions/:name/message.
type messageRequest struct {
	Text any `json:"text"`
}

// approveToolRequest is the body of POST /api/sessions/:name/approve-tool.
type approveToolRequest struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"` // "allow" or "deny"
	Message   string `json:"message,omitempty"`
}

// interruptRequest is the body of POST /api/sessions/:name/interrupt.
// RequestID is optional; when set it must match the pending approval.
type interruptRequest struct {
	RequestID string `json:"requestId,omitempty"`
}

// environmentRequest is the body of POST /api/sessions/:name/environment.
type environmentRequest struct {
	Env map[string]string `json:"env"`
}

// validateRequest is the body of POST /api/auth/validate.
type validateRequest struct {
	Token string `json:"token"`
}

// workerSyncRequest is the body of POST /api/worker-sync.
type workerSyncRequest struct {
	WorkerID string           `json:"workerId"`
	Sessions []map[string]any `json:"sessions"`
}

// workerEventRequest is the body of POST /api/worker-events.
type workerEventRequest = events.WorkerEvent
