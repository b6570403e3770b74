package reports

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable is returned when a report needs a source that was
// not configured.
var ErrSourceUnavailable = errors.New("report source not configured")

// Sources are the data the generators read. Any of them may be nil.
type Sources struct {
	Matrix MatrixSource
	Graph  GraphSource
	Events EventLog
}

// NewReportGenerator creates a report generator based on the report type.
func NewReportGenerator(reportType ReportType, src Sources) (Generator, error) {
	switch reportType {
	case ReportTypeMatrix:
		if src.Matrix == nil {
			return nil, fmt.Errorf("%s report: %w", reportType, ErrSourceUnavailable)
		}
		return NewMatrixReport(src.Matrix), nil
	case ReportTypeArtifacts:
		if src.Graph == nil {
			return nil, fmt.Errorf("%s report: %w", reportType, ErrSourceUnavailable)
		}
		return NewArtifactReport(src.Graph), nil
	case ReportTypeEvents:
		if src.Events == nil {
			return nil, fmt.Errorf("%s report: %w", reportType, ErrSourceUnavailable)
		}
		return NewEventReport(src.Events), nil
	default:
		return nil, fmt.Errorf("unknown report type: %s", reportType)
	}
}
