package reports

import (
	"context"
	"io"
	"time"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/store"
)

type ReportType string

const (
	ReportTypeMatrix    ReportType = "matrix"
	ReportTypeArtifacts ReportType = "artifacts"
	ReportTypeEvents    ReportType = "events"
)

type ReportParams struct {
	Start   time.Time
	End     time.Time
	Filters map[string]string
}

// MatrixSource provides the current matrix.
type MatrixSource interface {
	Matrix(ctx context.Context) (*matrix.Matrix, error)
}

// GraphSource provides a copy of the process graph.
type GraphSource interface {
	Graph() (*graph.Graph, error)
}

// EventLog defines the event log access required by the events report.
type EventLog interface {
	QueryEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}
