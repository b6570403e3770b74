package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
)

// MatrixReport renders the matrix as task rows × role columns.
type MatrixReport struct {
	source MatrixSource
}

func NewMatrixReport(s MatrixSource) *MatrixReport {
	return &MatrixReport{source: s}
}

// Generate ignores params; the matrix has no history.
func (r *MatrixReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	m, err := r.source.Matrix(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load matrix: %w", err)
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	roles := m.AllRoles()
	if err := writer.Write(append([]string{"task"}, roles...)); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}
	for _, task := range m.Tasks() {
		row := make([]string, 0, len(roles)+1)
		row = append(row, task)
		for _, role := range roles {
			row = append(row, m.Get(task, role).String())
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
