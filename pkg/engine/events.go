package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/reconcile"
	"github.com/rmax-ai/raciflow/pkg/store"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// WriterID tags every event this process writes.
const WriterID = "raciflow-d"

// CellBufferedPayload is the payload of cell_buffered.
type CellBufferedPayload struct {
	Cell    matrix.Cell `json:"cell"`
	Pending int         `json:"pending"`
}

// ChangesAppliedPayload is the payload of changes_applied.
type ChangesAppliedPayload struct {
	Changes []matrix.Change `json:"changes"`
}

// MatrixReplacedPayload is the payload of matrix_replaced. It carries the
// whole matrix because task removals cannot be expressed as changes.
type MatrixReplacedPayload struct {
	Matrix *matrix.Matrix `json:"matrix"`
}

// ValidationFailedPayload is the payload of validation_failed.
type ValidationFailedPayload struct {
	Errors   []validation.Issue `json:"errors"`
	Warnings []validation.Issue `json:"warnings"`
	Pending  int                `json:"pending"`
	Forced   bool               `json:"forced,omitempty"`
}

// ReconcileCompletedPayload is the payload of reconcile_completed.
type ReconcileCompletedPayload struct {
	Kind   string           `json:"kind"`
	Result reconcile.Result `json:"result"`
}

// NodeDeletedPayload is the payload of node_deleted.
type NodeDeletedPayload struct {
	Kind   graph.NodeKind   `json:"kind"`
	Label  string           `json:"label"`
	Result reconcile.Result `json:"result"`
}

func newEvent(typ store.EventType, origin string, subject store.EventSubject, payload any) (*store.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	now := time.Now().UTC()
	if origin == "" {
		origin = "daemon"
	}
	return &store.Event{
		EventID:       store.EventID("evt_" + uuid.NewString()),
		EventType:     typ,
		SchemaVersion: 1,
		TsEvent:       now,
		TsIngest:      now,
		Source: store.EventSource{
			OriginKind: origin,
			OriginID:   origin,
			WriterID:   WriterID,
		},
		Subject: subject,
		Payload: data,
	}, nil
}
