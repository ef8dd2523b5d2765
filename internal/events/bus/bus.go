// Package bus provides the daemon-wide announce bus.
//
// Session lifecycle and pipeline progress are published here so that
// consumers outside the owning session (the browser gateway's session-list
// push, loggers) can observe them without coupling to the bridge.
//
// Subjects follow NATS conventions:
//
//	session.created
//	session.archived
//	session.deleted
//	session.<id>.progress
//
// An empty nats.url in the configuration selects the in-memory
// implementation; otherwise events flow through a NATS server.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the announce bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source, sessionID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler handles an event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the announce bus contract.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns support NATS wildcards: * (one token) and > (rest).
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
