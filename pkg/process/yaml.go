package process

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/raciflow/pkg/graph"
)

// ParseYAML decodes a YAML definition. Nodes without a kind are tasks.
func ParseYAML(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse process definition: %w", err)
	}
	for i := range d.Nodes {
		if d.Nodes[i].Kind == "" {
			d.Nodes[i].Kind = graph.NodeTask
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
