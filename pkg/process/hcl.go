package process

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
)

// hclFile is the top-level structure of a process file:
//
//	name = "Document approval"
//
//	event "start" {
//	  label = "Start"
//	  next  = ["draft"]
//	}
//
//	task "draft" {
//	  label = "Draft Document"
//	  next  = ["review"]
//
//	  assign "Writer" {
//	    codes = "R"
//	  }
//	}
type hclFile struct {
	Name     string     `hcl:"name,optional"`
	Events   []*hclNode `hcl:"event,block"`
	Tasks    []*hclTask `hcl:"task,block"`
	Gateways []*hclNode `hcl:"gateway,block"`
}

type hclNode struct {
	ID    string   `hcl:"id,label"`
	Label string   `hcl:"label,optional"`
	Next  []string `hcl:"next,optional"`
}

type hclTask struct {
	ID     string       `hcl:"id,label"`
	Label  string       `hcl:"label"`
	Next   []string     `hcl:"next,optional"`
	Assign []*hclAssign `hcl:"assign,block"`
}

type hclAssign struct {
	Role  string `hcl:"role,label"`
	Codes string `hcl:"codes"`
}

// ParseHCL decodes an HCL definition. Assign blocks build the initial
// matrix in declaration order.
func ParseHCL(src []byte, filename string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	d := &Definition{Name: parsed.Name}
	for _, n := range parsed.Events {
		d.Nodes = append(d.Nodes, NodeDef{ID: n.ID, Kind: graph.NodeEvent, Label: n.Label, Next: n.Next})
	}
	for _, t := range parsed.Tasks {
		d.Nodes = append(d.Nodes, NodeDef{ID: t.ID, Kind: graph.NodeTask, Label: t.Label, Next: t.Next})
		for _, a := range t.Assign {
			cell, err := matrix.ParseCell(a.Codes)
			if err != nil {
				return nil, fmt.Errorf("task %q role %q: %w", t.ID, a.Role, err)
			}
			if d.Matrix == nil {
				d.Matrix = matrix.New()
			}
			d.Matrix.Set(t.Label, a.Role, cell)
		}
	}
	for _, g := range parsed.Gateways {
		d.Nodes = append(d.Nodes, NodeDef{ID: g.ID, Kind: graph.NodeGateway, Label: g.Label, Next: g.Next})
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
