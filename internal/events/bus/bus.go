// Package bus provides event bus abstractions for CSM.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns support NATS-style wildcards: * (single token) and > (tail).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

// Subject layout. Session names match [A-Za-z0-9_-]+ so they are always a
// single subject token.

// SessionSubject is the subject for a session's live events.
func SessionSubject(sessionName string) string {
	return "csm.sessions." + sessionName + ".events"
}

// AllSessionsSubject matches every session's events.
const AllSessionsSubject = "csm.sessions.*.events"

// WorkerSubject is the subject worker events are mirrored on.
func WorkerSubject(workerID string) string {
	return "csm.workers." + workerID + ".events"
}

// AllWorkersSubject matches every worker's events.
const AllWorkersSubject = "csm.workers.*.events"
