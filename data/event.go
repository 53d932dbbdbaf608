package data

import "time"

type EventType string

const (
	EventMessage           EventType = "message"
	EventBackpressure      EventType = "backpressure"
	EventError             EventType = "error"
	EventBatch             EventType = "batch"
	EventMetrics           EventType = "metrics"
	EventConnectionCreated EventType = "connection_created"
	EventConnectionClosed  EventType = "connection_closed"
)

// Event is an entry on the engine's debug feed.
type Event struct {
	Type         EventType              `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	ConnectionID string                 `json:"connectionId"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

func NewEvent(t EventType, connectionID string, d map[string]interface{}) Event {
	return Event{
		Type:         t,
		Timestamp:    time.Now(),
		ConnectionID: connectionID,
		Data:         d,
	}
}
