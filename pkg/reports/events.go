package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/rmax-ai/raciflow/pkg/store"
)

// EventReport generates CSV reports of the event log.
type EventReport struct {
	store EventLog
}

// NewEventReport creates a new EventReport generator.
func NewEventReport(s EventLog) *EventReport {
	return &EventReport{store: s}
}

// Generate supports the "event_type", "task" and "role" filters.
func (r *EventReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"timestamp", "event_id", "event_type", "origin", "task", "role", "node_id", "payload"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	filter := store.EventFilter{
		From: params.Start,
		To:   params.End,
		Task: params.Filters["task"],
		Role: params.Filters["role"],
	}
	if typ := params.Filters["event_type"]; typ != "" {
		filter.EventTypes = []store.EventType{store.EventType(typ)}
	}

	events, err := r.store.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	for _, event := range events {
		row := []string{
			event.TsEvent.Format(time.RFC3339),
			string(event.EventID),
			string(event.EventType),
			event.Source.OriginKind,
			event.Subject.Task,
			event.Subject.Role,
			event.Subject.NodeID,
			string(event.Payload),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}
	return buf, nil
}
