package reconcile

import (
	"context"
	"fmt"

	"github.com/rmax-ai/raciflow/pkg/graph"
)

// Splicer inserts and removes chain steps in the sequence flow without
// losing the path from a task to its real successors.
type Splicer struct {
	provider graph.Provider
}

// NewSplicer creates a splicer over provider.
func NewSplicer(p graph.Provider) *Splicer {
	return &Splicer{provider: p}
}

// Insert threads chain between task and successors:
// task -> chain[0] -> ... -> chain[n-1] -> each successor. Direct
// task -> successor flows are dropped. An empty chain only ensures the
// direct flows exist.
func (s *Splicer) Insert(ctx context.Context, task *graph.Node, chain []*graph.Node, successors []*graph.Node) error {
	if len(chain) == 0 {
		for _, succ := range successors {
			if _, err := s.provider.Connect(ctx, task, succ, graph.EdgeFlow); err != nil {
				return fmt.Errorf("failed to restore flow %s -> %s: %w", task.Label, succ.Label, err)
			}
		}
		return nil
	}

	prev := task
	for _, step := range chain {
		if _, err := s.provider.Connect(ctx, prev, step, graph.EdgeFlow); err != nil {
			return fmt.Errorf("failed to link %s -> %s: %w", prev.Label, step.Label, err)
		}
		prev = step
	}
	for _, succ := range successors {
		if _, err := s.provider.Connect(ctx, prev, succ, graph.EdgeFlow); err != nil {
			return fmt.Errorf("failed to link %s -> %s: %w", prev.Label, succ.Label, err)
		}
	}

	direct, err := s.provider.FindEdges(ctx, func(e *graph.Edge) bool {
		if e.Kind != graph.EdgeFlow || e.FromID != task.ID {
			return false
		}
		for _, succ := range successors {
			if e.ToID == succ.ID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("failed to find direct flows of %s: %w", task.Label, err)
	}
	if len(direct) > 0 {
		if err := s.provider.Disconnect(ctx, direct); err != nil {
			return fmt.Errorf("failed to drop direct flows of %s: %w", task.Label, err)
		}
	}
	return nil
}

// Remove deletes node and connects each of its flow predecessors to each of
// its flow successors.
func (s *Splicer) Remove(ctx context.Context, node *graph.Node) error {
	in, err := s.provider.FindEdges(ctx, graph.EdgeAnd(graph.EdgeTo(node.ID), graph.EdgeOfKind(graph.EdgeFlow)))
	if err != nil {
		return fmt.Errorf("failed to read incoming flows of %s: %w", node.Label, err)
	}
	out, err := s.provider.FindEdges(ctx, graph.EdgeAnd(graph.EdgeFrom(node.ID), graph.EdgeOfKind(graph.EdgeFlow)))
	if err != nil {
		return fmt.Errorf("failed to read outgoing flows of %s: %w", node.Label, err)
	}

	if err := s.provider.RemoveNodes(ctx, []*graph.Node{node}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", node.Label, err)
	}
	return s.bridge(ctx, node.ID, in, out)
}

// Resplice reconnects the neighbours of a node that was already deleted,
// using the edges carried by the event.
func (s *Splicer) Resplice(ctx context.Context, ev graph.DeletionEvent) error {
	if ev.Node == nil {
		return nil
	}
	return s.bridge(ctx, ev.Node.ID, ev.Incoming, ev.Outgoing)
}

func (s *Splicer) bridge(ctx context.Context, removedID string, in, out []*graph.Edge) error {
	preds := flowEnds(in, func(e *graph.Edge) string { return e.FromID })
	succs := flowEnds(out, func(e *graph.Edge) string { return e.ToID })

	for _, from := range preds {
		fromNode, err := s.lookup(ctx, from)
		if err != nil {
			return err
		}
		if fromNode == nil {
			continue
		}
		for _, to := range succs {
			if to == from || to == removedID {
				continue
			}
			toNode, err := s.lookup(ctx, to)
			if err != nil {
				return err
			}
			if toNode == nil {
				continue
			}
			if _, err := s.provider.Connect(ctx, fromNode, toNode, graph.EdgeFlow); err != nil {
				return fmt.Errorf("failed to bridge %s -> %s: %w", fromNode.Label, toNode.Label, err)
			}
		}
	}
	return nil
}

func (s *Splicer) lookup(ctx context.Context, id string) (*graph.Node, error) {
	nodes, err := s.provider.FindNodes(ctx, graph.ByID(id))
	if err != nil {
		return nil, fmt.Errorf("failed to look up node %s: %w", id, err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

func flowEnds(edges []*graph.Edge, end func(*graph.Edge) string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range edges {
		if e.Kind != graph.EdgeFlow {
			continue
		}
		id := end(e)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
