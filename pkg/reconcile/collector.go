package reconcile

import (
	"context"
	"log/slog"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
)

// Collector removes synthetic artifacts the matrix no longer justifies.
type Collector struct {
	provider graph.Provider
	splicer  *Splicer
	logger   *slog.Logger
}

// NewCollector creates a collector. Chain removals go through splicer.
func NewCollector(p graph.Provider, s *Splicer, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{provider: p, splicer: s, logger: logger}
}

// Collect runs in dependency order: stale chain steps first, then gateways
// left without roles, then roles left without any link.
func (c *Collector) Collect(ctx context.Context, m *matrix.Matrix, res *Result) {
	c.collectChains(ctx, m, res)
	c.collectGateways(ctx, res)
	c.collectRoles(ctx, res)
}

func (c *Collector) collectChains(ctx context.Context, m *matrix.Matrix, res *Result) {
	chains, err := c.provider.FindNodes(ctx, graph.And(graph.ByKind(graph.NodeChain), graph.Synthetic()))
	if err != nil {
		res.addError(&StepError{Step: "collect chain steps", Err: err})
		return
	}
	for _, n := range chains {
		key, ok := ChainKeyOf(n)
		if ok && m != nil && m.Get(key.Task, key.Role).Has(key.Code) {
			continue
		}
		if err := c.splicer.Remove(ctx, n); err != nil {
			res.addError(&StepError{Step: "remove chain step", Task: key.Task, Role: key.Role, Err: err})
			continue
		}
		res.ElementsRemoved++
		c.logger.Debug("orphan chain step removed", "label", n.Label, "task", key.Task, "role", key.Role)
	}
}

func (c *Collector) collectGateways(ctx context.Context, res *Result) {
	gateways, err := c.provider.FindNodes(ctx, graph.ByKind(graph.NodeAssignmentGateway))
	if err != nil {
		res.addError(&StepError{Step: "collect gateways", Err: err})
		return
	}
	if len(gateways) == 0 {
		return
	}
	edges, err := c.provider.FindEdges(ctx, graph.EdgeOfKind(graph.EdgeAssignment))
	if err != nil {
		res.addError(&StepError{Step: "collect gateways", Err: err})
		return
	}
	fanOut := make(map[string]int)
	for _, e := range edges {
		fanOut[e.FromID]++
	}

	var orphans []*graph.Node
	for _, gw := range gateways {
		if fanOut[gw.ID] == 0 {
			orphans = append(orphans, gw)
		}
	}
	c.remove(ctx, orphans, "remove gateway", res)
}

func (c *Collector) collectRoles(ctx context.Context, res *Result) {
	roles, err := c.provider.FindNodes(ctx, graph.And(graph.ByKind(graph.NodeRole), graph.Synthetic()))
	if err != nil {
		res.addError(&StepError{Step: "collect roles", Err: err})
		return
	}
	if len(roles) == 0 {
		return
	}
	edges, err := c.provider.FindEdges(ctx, graph.EdgeOfKind(graph.EdgeAssignment, graph.EdgeApproval, graph.EdgeParticipation))
	if err != nil {
		res.addError(&StepError{Step: "collect roles", Err: err})
		return
	}
	linked := make(map[string]bool)
	for _, e := range edges {
		linked[e.FromID] = true
		linked[e.ToID] = true
	}

	var orphans []*graph.Node
	for _, r := range roles {
		if !linked[r.ID] {
			orphans = append(orphans, r)
		}
	}
	c.remove(ctx, orphans, "remove role", res)
}

func (c *Collector) remove(ctx context.Context, nodes []*graph.Node, step string, res *Result) {
	for _, n := range nodes {
		if err := c.provider.RemoveNodes(ctx, []*graph.Node{n}); err != nil {
			res.addError(&StepError{Step: step, Task: n.Attr(graph.AttrTask), Role: n.Attr(graph.AttrRole), Err: err})
			continue
		}
		res.ElementsRemoved++
		c.logger.Debug("orphan removed", "kind", n.Kind, "label", n.Label)
	}
}
