// Package bus provides the event bus the control plane publishes lifecycle
// events on. Two implementations exist: an in-memory bus for single-process
// deployments and a NATS-backed bus for clustered ones.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the control plane.
const (
	SubjectAgentActivating    = "agent.activating"
	SubjectAgentOnline        = "agent.online"
	SubjectAgentBusy          = "agent.busy"
	SubjectAgentOffline       = "agent.offline"
	SubjectAgentError         = "agent.error"
	SubjectRuntimeConnected   = "runtime.connected"
	SubjectRuntimeDisconnect  = "runtime.disconnected"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
