package graph

// NodeKind represents the semantic type of a node in the process graph.
type NodeKind string

const (
	NodeTask              NodeKind = "task"
	NodeEvent             NodeKind = "event"               // start, end and intermediate events of the source process
	NodeGateway           NodeKind = "gateway"             // control-flow gateways of the source process
	NodeRole              NodeKind = "role"                // synthetic: organizational role (resource)
	NodeAssignmentGateway NodeKind = "assignment_gateway"  // synthetic: AND fan-out to several roles
	NodeChain             NodeKind = "chain"               // synthetic: consult / approve / inform step
)

// EdgeKind represents the semantic relationship between two nodes.
type EdgeKind string

const (
	EdgeFlow          EdgeKind = "sequence_flow" // Node -> Node control flow
	EdgeAssignment    EdgeKind = "assignment"    // Task -> Role, Task -> Gateway, Gateway -> Role
	EdgeApproval      EdgeKind = "approval"      // Role -> Approve step
	EdgeParticipation EdgeKind = "participation" // Role -> Consult / Inform step
)

// Attribute keys understood by the reconciler.
const (
	AttrName      = "name"
	AttrSynthetic = "synthetic"
	AttrOrigin    = "origin" // role, gateway, chain
	AttrTask      = "task"
	AttrTaskID    = "task_id"
	AttrRole      = "role"
	AttrCode      = "code"
	AttrElement   = "element" // user_task, intermediate_throw_event
)

// Values of AttrOrigin and AttrElement.
const (
	OriginRole    = "role"
	OriginGateway = "gateway"
	OriginChain   = "chain"

	ElementUserTask   = "user_task"
	ElementThrowEvent = "intermediate_throw_event"
)

// Attributes are string key/value properties of a node.
type Attributes map[string]string

// Clone returns a copy that shares nothing with a.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Node represents a vertex in the process graph.
type Node struct {
	ID         string     `json:"id"`
	Kind       NodeKind   `json:"kind"`
	Label      string     `json:"label"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Attr returns an attribute value or "".
func (n *Node) Attr(key string) string {
	if n == nil || n.Attributes == nil {
		return ""
	}
	return n.Attributes[key]
}

// IsSynthetic reports whether the reconciler owns the node.
func (n *Node) IsSynthetic() bool {
	return n.Attr(AttrSynthetic) == "true"
}

// Clone copies the node and its attributes.
func (n *Node) Clone() *Node {
	c := *n
	c.Attributes = n.Attributes.Clone()
	return &c
}

// Edge represents a directed connection between two nodes.
type Edge struct {
	ID     string   `json:"id"`
	FromID string   `json:"from_id"`
	ToID   string   `json:"to_id"`
	Kind   EdgeKind `json:"kind"`
}

// Graph is a point-in-time copy of the process graph.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []*Edge          `json:"edges"`
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make([]*Edge, 0),
	}
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(n *Node) {
	g.Nodes[n.ID] = n
}

// AddEdge adds an edge to the graph.
func (g *Graph) AddEdge(e *Edge) {
	g.Edges = append(g.Edges, e)
}

// Outgoing returns the edges of kind leaving id.
func (g *Graph) Outgoing(id string, kind EdgeKind) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.FromID == id && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges of kind entering id.
func (g *Graph) Incoming(id string, kind EdgeKind) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.ToID == id && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// HasEdge reports whether an edge of kind connects from to to.
func (g *Graph) HasEdge(from, to string, kind EdgeKind) bool {
	for _, e := range g.Edges {
		if e.FromID == from && e.ToID == to && e.Kind == kind {
			return true
		}
	}
	return false
}

// FindByLabel returns the first node of kind with the given label.
func (g *Graph) FindByLabel(kind NodeKind, label string) *Node {
	for _, n := range g.Nodes {
		if n.Kind == kind && n.Label == label {
			return n
		}
	}
	return nil
}

// CountKind returns the number of nodes of kind.
func (g *Graph) CountKind(kind NodeKind) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Kind == kind {
			n++
		}
	}
	return n
}

// Clone deep-copies the graph.
func (g *Graph) Clone() *Graph {
	out := NewGraph()
	for k, v := range g.Nodes {
		out.Nodes[k] = v.Clone()
	}
	for _, e := range g.Edges {
		edge := *e
		out.Edges = append(out.Edges, &edge)
	}
	return out
}
