// Package bus provides the event bus used to fan task lifecycle
// notifications out to interested components.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects for task lifecycle events.
const (
	SubjectTaskProgress  = "task.progress"
	SubjectTaskCompleted = "task.completed"
	SubjectTaskFailed    = "task.failed"
	SubjectTaskStopped   = "task.stopped"

	// SubjectTaskAll matches every task lifecycle subject.
	SubjectTaskAll = "task.>"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Service that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// TaskID returns the task id carried in the event data, if any.
func (e *Event) TaskID() string {
	if e.Data == nil {
		return ""
	}
	id, _ := e.Data["task_id"].(string)
	return id
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

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
