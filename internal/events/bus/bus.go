// Package bus provides the event bus used to fan out loop lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published for every loop.* event.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp string                 `json:"timestamp"` // ISO-8601
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// EventHandler is invoked for each delivered event.
type EventHandler func(event *Event)

// Subscription is a handle to an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes and delivers events. Subjects support the trailing
// wildcard form "loop.>" for consumers that want every loop event.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
