package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that require a row to exist.
var ErrNotFound = errors.New("not found")

// EventType represents the kind of event.
type EventType string

const (
	EventTypeCellBuffered       EventType = "cell_buffered"
	EventTypeChangesApplied     EventType = "changes_applied"
	EventTypeMatrixReplaced     EventType = "matrix_replaced"
	EventTypeValidationFailed   EventType = "validation_failed"
	EventTypeReconcileCompleted EventType = "reconcile_completed"
	EventTypeNodeDeleted        EventType = "node_deleted"
)

// EventID is a unique identifier for an event.
type EventID string

// Event represents the canonical envelope for all system events.
type Event struct {
	EventID       EventID          `json:"event_id"`
	EventType     EventType        `json:"event_type"`
	SchemaVersion int              `json:"schema_version"`
	TsEvent       time.Time        `json:"ts_event"`
	TsIngest      time.Time        `json:"ts_ingest"`
	Source        EventSource      `json:"source"`
	Subject       EventSubject     `json:"subject"`
	Correlation   EventCorrelation `json:"correlation"`
	Payload       json.RawMessage  `json:"payload"`
}

// EventSource describes the origin of the event.
type EventSource struct {
	OriginKind string `json:"origin_kind"` // daemon, api, mcp, editor
	OriginID   string `json:"origin_id"`
	WriterID   string `json:"writer_id"` // Always "raciflow-d"
}

// EventSubject names the matrix or graph element an event is about. Empty
// fields mean the event concerns the whole matrix.
type EventSubject struct {
	Task   string `json:"task,omitempty"`
	Role   string `json:"role,omitempty"`
	NodeID string `json:"node_id,omitempty"`
}

// EventCorrelation groups events logically.
type EventCorrelation struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id"`
}

// EventFilter defines filters for querying events.
type EventFilter struct {
	From       time.Time
	To         time.Time
	EventTypes []EventType
	Task       string
	Role       string
	Limit      int
}

// WebhookConfig represents a registered webhook endpoint for event notifications.
type WebhookConfig struct {
	WebhookID string    `json:"webhook_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret"` // Shared secret for HMAC signature verification
	Events    []string  `json:"events"` // List of event types to subscribe to
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// Snapshot represents a point-in-time capture of the matrix.
type Snapshot struct {
	SnapshotID    string          `json:"snapshot_id"`
	SchemaVersion int             `json:"schema_version"`
	TsSnapshot    time.Time       `json:"ts_snapshot"`
	LastEventID   EventID         `json:"last_event_id"`
	Payload       json.RawMessage `json:"payload"`
}
