package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/reconcile"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// Status represents the health check response.
type Status struct {
	// Status is the health status string (e.g. "ok").
	Status string `json:"status"`
}

// CellEdit is one matrix edit. Cell uses the textual form; "" clears it.
type CellEdit struct {
	Task string `json:"task"`
	Role string `json:"role"`
	Cell string `json:"cell"`
}

// Buffer describes the daemon's change buffer.
type Buffer struct {
	// State is INACTIVE, BUFFERING or FLUSH.
	State   string          `json:"state"`
	Pending []matrix.Change `json:"pending"`
	// Dropped counts edits evicted because the buffer was full.
	Dropped int `json:"dropped"`
}

// FlushOutcome is the result of a flush request.
type FlushOutcome struct {
	State      string            `json:"state"`
	Validation validation.Result `json:"validation"`
	Applied    int               `json:"applied"`
	Flushed    bool              `json:"flushed"`
	Forced     bool              `json:"forced,omitempty"`
	Queued     bool              `json:"queued,omitempty"`
}

// Pass is the most recent reconciliation pass.
type Pass struct {
	// Kind is "full" or "deletion".
	Kind   string           `json:"kind"`
	At     time.Time        `json:"at"`
	Result reconcile.Result `json:"result"`
}

// Event represents a logged event.
type Event struct {
	EventID       string           `json:"event_id"`
	EventType     string           `json:"event_type"`
	SchemaVersion int              `json:"schema_version"`
	TsEvent       time.Time        `json:"ts_event"`
	TsIngest      time.Time        `json:"ts_ingest"`
	Source        EventSource      `json:"source"`
	Subject       EventSubject     `json:"subject"`
	Correlation   EventCorrelation `json:"correlation"`
	Payload       json.RawMessage  `json:"payload"`
}

type EventSource struct {
	OriginKind string `json:"origin_kind"`
	OriginID   string `json:"origin_id"`
	WriterID   string `json:"writer_id"`
}

type EventSubject struct {
	Task   string `json:"task,omitempty"`
	Role   string `json:"role,omitempty"`
	NodeID string `json:"node_id,omitempty"`
}

type EventCorrelation struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id"`
}

// EventsOptions filters GetEvents. Zero values mean no filter.
type EventsOptions struct {
	Limit int
	Type  string
	Task  string
	Role  string
}

// Webhook is a registered webhook as listed by the daemon.
type Webhook struct {
	WebhookID string    `json:"webhook_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookRegistration is returned once on registration.
type WebhookRegistration struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret"`
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	// Code is the "error" field of the response body, if any.
	Code string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unexpected status: %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
}
