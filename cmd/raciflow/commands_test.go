package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/raciflow/pkg/api"
	"github.com/rmax-ai/raciflow/pkg/buffer"
	"github.com/rmax-ai/raciflow/pkg/engine"
	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// startDaemon serves a real engine over Start -> Draft Document -> End.
func startDaemon(t *testing.T) string {
	t.Helper()
	p := graph.NewMemoryProvider()
	_, err := p.AddNode("start", graph.NodeEvent, "Start", nil)
	require.NoError(t, err)
	_, err = p.AddNode("draft", graph.NodeTask, "Draft Document", nil)
	require.NoError(t, err)
	_, err = p.AddNode("end", graph.NodeEvent, "End", nil)
	require.NoError(t, err)
	_, err = p.AddFlow("start", "draft")
	require.NoError(t, err)
	_, err = p.AddFlow("draft", "end")
	require.NoError(t, err)

	eng, err := engine.New(engine.Deps{
		Matrix:    matrix.NewMemoryStore(nil),
		Provider:  p,
		Tasks:     p,
		Scheduler: buffer.NewManualScheduler(),
		Origin:    "cli-test",
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	ts := httptest.NewServer(api.NewServer(eng, nil, "", nil).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func runCLI(t *testing.T, endpoint string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--endpoint", endpoint}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLI_EditFlushAndInspect(t *testing.T) {
	endpoint := startDaemon(t)

	out, err := runCLI(t, endpoint, "cell", "set", "Draft Document", "Writer", "RA")
	require.NoError(t, err)
	assert.Contains(t, out, "1 pending")
	assert.Contains(t, out, "BUFFERING")

	out, err = runCLI(t, endpoint, "matrix", "--pending")
	require.NoError(t, err)
	assert.Contains(t, out, "Writer")
	assert.Contains(t, out, "RA")

	out, err = runCLI(t, endpoint, "result")
	require.NoError(t, err)
	assert.Contains(t, out, "no reconciliation pass yet")

	out, err = runCLI(t, endpoint, "flush")
	require.NoError(t, err)
	assert.Contains(t, out, "flushed 1 edit(s)")

	out, err = runCLI(t, endpoint, "-o", "json", "graph")
	require.NoError(t, err)
	var g graph.Graph
	require.NoError(t, json.Unmarshal([]byte(out), &g))
	assert.Equal(t, 1, g.CountKind(graph.NodeRole))
	assert.Equal(t, 1, g.CountKind(graph.NodeChain))

	out, err = runCLI(t, endpoint, "graph", "--synthetic")
	require.NoError(t, err)
	assert.Contains(t, out, "Writer")
	assert.NotContains(t, out, "Start")

	out, err = runCLI(t, endpoint, "result")
	require.NoError(t, err)
	assert.Contains(t, out, "full pass")
	assert.Contains(t, out, "roles created:     1")
}

func TestCLI_ValidateFailsOnInvalidMatrix(t *testing.T) {
	endpoint := startDaemon(t)

	_, err := runCLI(t, endpoint, "cell", "set", "Draft Document", "Writer", "A")
	require.NoError(t, err)

	out, err := runCLI(t, endpoint, "validate")
	assert.ErrorIs(t, err, errInvalidMatrix)
	assert.Contains(t, out, string(validation.RuleMissingResponsible))

	out, err = runCLI(t, endpoint, "flush")
	require.NoError(t, err)
	assert.Contains(t, out, "not flushed")
}

func TestCLI_ArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"cell set needs task and role", []string{"cell", "set", "Draft Document"}},
		{"cell set takes at most codes", []string{"cell", "set", "a", "b", "RA", "extra"}},
		{"report type must be known", []string{"report", "budget"}},
		{"output format must be known", []string{"-o", "xml", "matrix"}},
		{"bad codes are rejected locally", []string{"cell", "set", "a", "b", "RX"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Nothing listens here; every case must fail before a request.
			_, err := runCLI(t, "http://127.0.0.1:1", tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
