package statemachine

import (
	"sync"
	"time"
)

// Event is what producers submit to a machine. Dispatch identity is the
// event-type string, never the concrete value's type.
type Event interface {
	// EventType returns the canonical type string used for dispatch.
	EventType() string

	// Payload returns the opaque event payload.
	Payload() interface{}

	// Timestamp returns the event creation time in Unix milliseconds.
	Timestamp() int64

	// Description returns a short human-readable summary.
	Description() string
}

// GenericEvent is the standard Event implementation.
type GenericEvent struct {
	Type string      `json:"eventType"`
	Data interface{} `json:"payload,omitempty"`
	At   int64       `json:"timestamp"`
	Desc string      `json:"description,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, payload interface{}) *GenericEvent {
	return &GenericEvent{Type: eventType, Data: payload, At: time.Now().UnixMilli()}
}

func (e *GenericEvent) EventType() string    { return e.Type }
func (e *GenericEvent) Payload() interface{} { return e.Data }
func (e *GenericEvent) Timestamp() int64     { return e.At }
func (e *GenericEvent) Description() string {
	if e.Desc != "" {
		return e.Desc
	}
	return e.Type
}

// EventTypeTimeout is the type string of synthetic timeout events.
const EventTypeTimeout = "TIMEOUT"

// TimeoutEvent is injected by the scheduler when a state timeout expires.
// SourceState and Version pin the arming transition; the machine drops the
// event if either has moved on.
type TimeoutEvent struct {
	SourceState string `json:"sourceState"`
	TargetState string `json:"targetState"`
	Version     uint64 `json:"version"`
	At          int64  `json:"timestamp"`
}

// NewTimeoutEvent creates a timeout event stamped with the current time.
func NewTimeoutEvent(sourceState, targetState string, version uint64) *TimeoutEvent {
	return &TimeoutEvent{SourceState: sourceState, TargetState: targetState, Version: version, At: time.Now().UnixMilli()}
}

func (e *TimeoutEvent) EventType() string    { return EventTypeTimeout }
func (e *TimeoutEvent) Payload() interface{} { return nil }
func (e *TimeoutEvent) Timestamp() int64     { return e.At }
func (e *TimeoutEvent) Description() string {
	return "timeout " + e.SourceState + " -> " + e.TargetState
}

// EventTypeRegistry maps event-type strings to payload prototypes so inbound
// adapters (websocket, NATS) can decode typed payloads. Unregistered types
// decode as generic maps.
type EventTypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() interface{}
}

// NewEventTypeRegistry creates an empty registry.
func NewEventTypeRegistry() *EventTypeRegistry {
	return &EventTypeRegistry{factories: make(map[string]func() interface{})}
}

// Register binds an event type to a payload prototype factory.
func (r *EventTypeRegistry) Register(eventType string, factory func() interface{}) {
	r.mu.Lock()
	r.factories[eventType] = factory
	r.mu.Unlock()
}

// NewPayload constructs an empty payload for the event type, or nil if the
// type is unregistered.
func (r *EventTypeRegistry) NewPayload(eventType string) interface{} {
	r.mu.RLock()
	f := r.factories[eventType]
	r.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f()
}

// Types lists registered event types.
func (r *EventTypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
