package data

import (
	"maps"
	"time"

	"github.com/rs/xid"
)

// A Message is the unit carried by a connection. The engine creates one for
// every value a node emits on an output port; it is never mutated afterwards.
type Message struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	SourceNodeID string                 `json:"sourceNodeId"`
	TargetNodeID string                 `json:"targetNodeId"`
	Port         string                 `json:"port"`
	Data         interface{}            `json:"data"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage stamps a message with a fresh id and the current time. The
// metadata map is copied so later changes by the caller do not reach it.
func NewMessage(source, target, port string, d interface{}, metadata map[string]interface{}) *Message {
	return &Message{
		ID:           xid.New().String(),
		Timestamp:    time.Now(),
		SourceNodeID: source,
		TargetNodeID: target,
		Port:         port,
		Data:         d,
		Metadata:     maps.Clone(metadata),
	}
}

// Age is the time elapsed since the message was created.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// MetadataString returns the metadata value for key when it is a string.
func (m *Message) MetadataString(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	s, ok := m.Metadata[key].(string)
	return s, ok
}

// MetadataFloat returns the metadata value for key when it is numeric.
func (m *Message) MetadataFloat(key string) (float64, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
