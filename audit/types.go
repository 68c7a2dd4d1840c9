package audit

import (
	"context"
	"time"
)

// Action identifies the audited operation
type Action string

const (
	ActionCredentialStore  Action = "credential.store"
	ActionCredentialRotate Action = "credential.rotate"

	ActionSessionInitiate Action = "session.initiate"
	ActionSessionActivate Action = "session.activate"
	ActionSessionEnd      Action = "session.end"
	ActionSessionTimeout  Action = "session.timeout"

	ActionArtifactGenerate   Action = "artifact.generate"
	ActionArtifactInvalidate Action = "artifact.invalidate"
)

// Event represents a single audit event. It is emitted for every credential
// store/rotate and every session state transition.
type Event struct {
	EventID   string                 `json:"event_id"`
	Action    Action                 `json:"action"`
	ActorID   string                 `json:"actor_id"`
	TargetID  string                 `json:"target_id"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Clone creates a deep copy of the Event to avoid data races
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}

	clone := &Event{
		EventID:   e.EventID,
		Action:    e.Action,
		ActorID:   e.ActorID,
		TargetID:  e.TargetID,
		Timestamp: e.Timestamp,
	}

	if e.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}

	return clone
}

// Format defines the serialization format for audit events
type Format interface {
	// FormatEvent formats an event for a sink
	FormatEvent(ctx context.Context, event *Event) ([]byte, error)

	// Name returns the format name
	Name() string
}

// Sink is the interface for audit log destinations
type Sink interface {
	// Write writes the formatted event to the sink
	Write(ctx context.Context, entry []byte) error

	// Close closes the sink and releases resources
	Close() error

	// Name returns the sink name
	Name() string

	// Type returns the sink type (file, memory, etc.)
	Type() string
}

// Device represents an audit device that combines a format and sink
type Device interface {
	// LogEvent logs an event
	LogEvent(ctx context.Context, event *Event) error

	// Close closes the device
	Close() error

	// Name returns the device name
	Name() string

	// Enabled returns whether the device is enabled
	Enabled() bool

	// SetEnabled sets the enabled state
	SetEnabled(enabled bool)
}

// SaltFunc is a function that salts sensitive data
type SaltFunc func(ctx context.Context, data string) (string, error)

// Manager manages audit devices
type Manager interface {
	// RegisterDevice registers a new audit device
	RegisterDevice(name string, device Device) error

	// UnregisterDevice unregisters an audit device
	UnregisterDevice(name string) error

	// ListDevices returns all registered devices
	ListDevices() []string

	// LogEvent logs an event to all enabled devices
	// Returns (continue, error) where continue is true if at least one device succeeded
	LogEvent(ctx context.Context, event *Event) (bool, error)

	// Close closes all devices
	Close() error
}
