package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

const testProcess = `name: review
nodes:
  - id: start
    kind: event
    label: Start
    next: [draft]
  - id: draft
    label: Draft Document
    next: [end]
  - id: end
    kind: event
    label: End
matrix:
  Draft Document:
    Writer: R
    Reviewer: A
`

func TestLoadProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProcess), 0o644))

	p, initial, err := loadProcess(path)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Graph().CountKind(graph.NodeTask))
	assert.Equal(t, "A", initial.Get("Draft Document", "Reviewer").String())

	p, initial, err = loadProcess("")
	require.NoError(t, err)
	assert.Empty(t, p.Graph().Nodes)
	assert.Equal(t, 0, initial.Len())

	_, _, err = loadProcess(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSeedMatrix(t *testing.T) {
	ctx := context.Background()
	initial := matrix.New()
	initial.Set("Draft Document", "Writer", matrix.MustParseCell("R"))

	ms := matrix.NewMemoryStore(nil)
	require.NoError(t, seedMatrix(ctx, ms, initial))
	m, err := ms.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R", m.Get("Draft Document", "Writer").String())

	other := matrix.New()
	other.Set("Draft Document", "Writer", matrix.MustParseCell("RA"))
	require.NoError(t, seedMatrix(ctx, ms, other))
	m, err = ms.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R", m.Get("Draft Document", "Writer").String(), "existing matrix wins")
}

func TestReloadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  multiple_approvers:\n    severity: warning\n"), 0o644))

	v, err := loadValidator("")
	require.NoError(t, err)
	assert.Equal(t, validation.SeverityError, v.Config().Rule(validation.RuleMultipleApprovers).Severity)

	require.NoError(t, reloadRules(v, path))
	assert.Equal(t, validation.SeverityWarning, v.Config().Rule(validation.RuleMultipleApprovers).Severity)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  multiple_approvers:\n    severity: fatal\n"), 0o644))
	assert.Error(t, reloadRules(v, path))
	assert.Equal(t, validation.SeverityWarning, v.Config().Rule(validation.RuleMultipleApprovers).Severity, "bad file keeps previous rules")

	assert.Error(t, reloadRules(v, ""))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "json output")
	assert.Contains(t, out, `"component":"raciflow-d"`)
}
