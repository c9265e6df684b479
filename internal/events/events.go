// Package events defines the worker event records exchanged between worker
// agents and the master, and mirrored on the event bus.
package events

import "time"

// Worker event types
const (
	TypeWorkerRegistered   = "worker_registered"
	TypeWorkerDeregistered = "worker_deregistered"
	TypeSessionCreated     = "session_created"
	TypeSessionAttached    = "session_attached"
	TypeSessionDetached    = "session_detached"
	TypeSessionKilled      = "session_killed"
	TypeClaudeStateChanged = "claude_state_changed"
	TypeGitChanges         = "git_changes"
	TypeHeartbeat          = "heartbeat"
)

// WorkerEvent is one discriminated record emitted by a worker agent.
// Timestamps are RFC3339 strings on the wire.
type WorkerEvent struct {
	Type        string         `json:"type"`
	Timestamp   string         `json:"timestamp"`
	WorkerID    string         `json:"workerId"`
	SessionName string         `json:"sessionName,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewWorkerEvent stamps a worker event with the current UTC time.
func NewWorkerEvent(eventType, workerID, sessionName string, data map[string]any) WorkerEvent {
	return WorkerEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		WorkerID:    workerID,
		SessionName: sessionName,
		Data:        data,
	}
}

// IsSessionEvent reports whether the event targets a specific session.
func (e *WorkerEvent) IsSessionEvent() bool {
	return e.SessionName != ""
}

// HostInfo is the best-effort host description carried by registration and
// heartbeat events.
type HostInfo struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os,omitempty"`
	Arch          string  `json:"arch,omitempty"`
	CPUCount      int     `json:"cpuCount,omitempty"`
	UptimeSeconds int64   `json:"uptimeSeconds,omitempty"`
	RAMUsage      float64 `json:"ramUsage,omitempty"`
}
