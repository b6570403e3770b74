// Package process loads process definitions (tasks, events, gateways and
// the sequence flows between them, plus an optional initial matrix) from
// YAML or HCL and seeds them into an in-memory graph provider.
package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
)

var (
	// ErrInvalidDefinition wraps every structural problem of a definition.
	ErrInvalidDefinition = errors.New("invalid process definition")
	// ErrUnsupportedFormat is returned for files that are neither YAML nor HCL.
	ErrUnsupportedFormat = errors.New("unsupported process definition format")
)

// NodeDef is one process element.
type NodeDef struct {
	ID    string         `yaml:"id"`
	Kind  graph.NodeKind `yaml:"kind"`
	Label string         `yaml:"label"`
	// Next lists the IDs this node flows to.
	Next []string `yaml:"next,omitempty"`
}

// Definition is a process graph and the matrix that goes with it.
type Definition struct {
	Name   string         `yaml:"name"`
	Nodes  []NodeDef      `yaml:"nodes"`
	Matrix *matrix.Matrix `yaml:"matrix,omitempty"`
}

// Load reads a definition, picking the decoder from the file extension.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read process definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".hcl":
		return ParseHCL(data, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Validate checks IDs, kinds and flow targets. Task labels double as
// matrix task names and must be unique.
func (d *Definition) Validate() error {
	ids := make(map[string]struct{}, len(d.Nodes))
	labels := make(map[string]string)
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidDefinition)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		ids[n.ID] = struct{}{}

		switch n.Kind {
		case graph.NodeTask:
			if n.Label == "" {
				return fmt.Errorf("%w: task %q has no label", ErrInvalidDefinition, n.ID)
			}
			if matrix.IsChainName(n.Label) {
				return fmt.Errorf("%w: task label %q collides with chain step naming", ErrInvalidDefinition, n.Label)
			}
			if other, dup := labels[n.Label]; dup {
				return fmt.Errorf("%w: tasks %q and %q share label %q", ErrInvalidDefinition, other, n.ID, n.Label)
			}
			labels[n.Label] = n.ID
		case graph.NodeEvent, graph.NodeGateway:
		default:
			return fmt.Errorf("%w: node %q has unsupported kind %q", ErrInvalidDefinition, n.ID, n.Kind)
		}
	}
	for _, n := range d.Nodes {
		for _, next := range n.Next {
			if _, ok := ids[next]; !ok {
				return fmt.Errorf("%w: node %q flows to unknown node %q", ErrInvalidDefinition, n.ID, next)
			}
		}
	}
	return nil
}

// Tasks returns the task labels in declaration order.
func (d *Definition) Tasks() []string {
	var out []string
	for _, n := range d.Nodes {
		if n.Kind == graph.NodeTask {
			out = append(out, n.Label)
		}
	}
	return out
}

// Seed adds the definition's nodes and flows to p.
func (d *Definition) Seed(p *graph.MemoryProvider) error {
	if err := d.Validate(); err != nil {
		return err
	}
	for _, n := range d.Nodes {
		if _, err := p.AddNode(n.ID, n.Kind, n.Label, nil); err != nil {
			return fmt.Errorf("failed to seed node %s: %w", n.ID, err)
		}
	}
	for _, n := range d.Nodes {
		for _, next := range n.Next {
			if _, err := p.AddFlow(n.ID, next); err != nil {
				return fmt.Errorf("failed to seed flow %s -> %s: %w", n.ID, next, err)
			}
		}
	}
	return nil
}

// NewProvider seeds a fresh in-memory provider.
func (d *Definition) NewProvider() (*graph.MemoryProvider, error) {
	p := graph.NewMemoryProvider()
	if err := d.Seed(p); err != nil {
		return nil, err
	}
	return p, nil
}

// InitialMatrix returns a copy of the definition's matrix, or an empty one.
func (d *Definition) InitialMatrix() *matrix.Matrix {
	if d.Matrix == nil {
		return matrix.New()
	}
	return d.Matrix.Clone()
}
