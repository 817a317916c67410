package audit

import (
	"net"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Session events
	EventSessionUp   EventType = "SESSION_UP"
	EventSessionDown EventType = "SESSION_DOWN"

	// System events
	EventSystemStart EventType = "SYSTEM_START"
	EventSystemStop  EventType = "SYSTEM_STOP"
)

// Category returns the category for an event type.
func (e EventType) Category() string {
	switch e {
	case EventSessionUp, EventSessionDown:
		return "session"
	case EventSystemStart, EventSystemStop:
		return "system"
	default:
		return "other"
	}
}

// Event represents a single audit event.
type Event struct {
	// Core fields
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`

	// Discovery context
	Interface    string           `json:"interface,omitempty"`
	MAC          net.HardwareAddr `json:"mac,omitempty"`
	SessionID    uint16           `json:"session_id,omitempty"`
	ConnectionID string           `json:"connection_id,omitempty"`
	ServiceName  string           `json:"service_name,omitempty"`

	// Line identification inserted by the access node
	CircuitID string `json:"circuit_id,omitempty"`
	RemoteID  string `json:"remote_id,omitempty"`

	// Teardown
	TermCause string        `json:"term_cause,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	// Additional metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}
