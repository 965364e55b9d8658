// Package events provides the broadcast hub that fans task and environment
// state out to live observers.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents the type of event.
type EventType string

const (
	// Sent once to every new observer.
	EventInitialState EventType = "initial_state"

	// Task lifecycle
	EventTaskCreated   EventType = "task.created"
	EventTaskUpdated   EventType = "task.updated"
	EventTaskDismissed EventType = "task.dismissed"

	// Environments
	EventEnvironmentStatus EventType = "environment.status"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceRegistry   EventSource = "registry"
	SourceSupervisor EventSource = "supervisor"
	SourceHub        EventSource = "hub"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// NewTypedEvent creates an event whose type is derived from the payload.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewEvent(payload.EventType(), source, toMap(payload))
}

// ExtractPayload decodes an event payload back into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

// ULIDs sort lexically in generation order, which keeps event ids ordered
// the same way they were published.
func generateEventID() string {
	return ulid.Make().String()
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
