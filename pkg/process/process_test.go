package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

const yamlDef = `
name: Document approval
nodes:
  - id: start
    kind: event
    label: Start
    next: [draft]
  - id: draft
    label: Draft Document
    next: [review]
  - id: review
    label: Review Document
    next: [end]
  - id: end
    kind: event
    label: End
matrix:
  Draft Document:
    Writer: R
    Reviewer: A
    Legal: C
  Review Document:
    Reviewer: R
`

const hclDef = `
name = "Document approval"

event "start" {
  label = "Start"
  next  = ["draft"]
}

event "end" {
  label = "End"
}

task "draft" {
  label = "Draft Document"
  next  = ["review"]

  assign "Writer" {
    codes = "R"
  }
  assign "Reviewer" {
    codes = "A"
  }
  assign "Legal" {
    codes = "C"
  }
}

task "review" {
  label = "Review Document"
  next  = ["end"]

  assign "Reviewer" {
    codes = "R"
  }
}
`

func TestParseYAMLAndHCLAgree(t *testing.T) {
	fromYAML, err := ParseYAML([]byte(yamlDef))
	require.NoError(t, err)
	fromHCL, err := ParseHCL([]byte(hclDef), "process.hcl")
	require.NoError(t, err)

	assert.Equal(t, "Document approval", fromYAML.Name)
	assert.Equal(t, fromYAML.Name, fromHCL.Name)
	assert.Equal(t, []string{"Draft Document", "Review Document"}, fromYAML.Tasks())
	assert.Equal(t, fromYAML.Tasks(), fromHCL.Tasks())
	assert.True(t, fromYAML.InitialMatrix().Equal(fromHCL.InitialMatrix()))
	assert.Equal(t, []string{"Writer", "Reviewer", "Legal"}, fromHCL.InitialMatrix().Roles("Draft Document"))
}

func TestSeed(t *testing.T) {
	d, err := ParseYAML([]byte(yamlDef))
	require.NoError(t, err)

	p, err := d.NewProvider()
	require.NoError(t, err)

	tasks, err := p.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Draft Document", tasks[0].Label)

	g := p.Graph()
	assert.True(t, g.HasEdge("start", "draft", graph.EdgeFlow))
	assert.True(t, g.HasEdge("draft", "review", graph.EdgeFlow))
	assert.True(t, g.HasEdge("review", "end", graph.EdgeFlow))
	assert.Len(t, g.Edges, 3)

	// Seeding twice collides on node IDs.
	assert.ErrorIs(t, d.Seed(p), graph.ErrDuplicateNode)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		nodes []NodeDef
	}{
		{"missing id", []NodeDef{{Kind: graph.NodeTask, Label: "A"}}},
		{"duplicate id", []NodeDef{{ID: "a", Kind: graph.NodeTask, Label: "A"}, {ID: "a", Kind: graph.NodeEvent}}},
		{"task without label", []NodeDef{{ID: "a", Kind: graph.NodeTask}}},
		{"duplicate task label", []NodeDef{{ID: "a", Kind: graph.NodeTask, Label: "A"}, {ID: "b", Kind: graph.NodeTask, Label: "A"}}},
		{"chain-like label", []NodeDef{{ID: "a", Kind: graph.NodeTask, Label: "Approve Budget"}}},
		{"synthetic kind", []NodeDef{{ID: "a", Kind: graph.NodeRole, Label: "Writer"}}},
		{"unknown flow target", []NodeDef{{ID: "a", Kind: graph.NodeTask, Label: "A", Next: []string{"b"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Definition{Nodes: tt.nodes}).Validate()
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestParseHCL_BadCodes(t *testing.T) {
	src := `
task "a" {
  label = "A"
  assign "Writer" {
    codes = "RX"
  }
}
`
	_, err := ParseHCL([]byte(src), "bad.hcl")
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "process.yaml")
	hclPath := filepath.Join(dir, "process.hcl")
	jsonPath := filepath.Join(dir, "process.json")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlDef), 0o644))
	require.NoError(t, os.WriteFile(hclPath, []byte(hclDef), 0o644))
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{}`), 0o644))

	d, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Len(t, d.Nodes, 4)

	d, err = Load(hclPath)
	require.NoError(t, err)
	assert.Len(t, d.Nodes, 4)

	_, err = Load(jsonPath)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedExamples(t *testing.T) {
	cfg, err := validation.LoadConfig("../../examples/rules.yaml")
	require.NoError(t, err)
	v := validation.New(cfg)

	for _, name := range []string{"process.yaml", "process.hcl"} {
		t.Run(name, func(t *testing.T) {
			d, err := Load(filepath.Join("../../examples", name))
			require.NoError(t, err)

			p, err := d.NewProvider()
			require.NoError(t, err)
			assert.Equal(t, 3, p.Graph().CountKind(graph.NodeTask))

			m := d.InitialMatrix()
			assert.Equal(t, d.Tasks(), m.Tasks())
			vr := v.Validate(m)
			assert.True(t, vr.IsValid, "unexpected errors: %v", vr.Errors)
		})
	}
}
