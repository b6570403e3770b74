package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process graph implementing Provider, TaskSource,
// DeletionNotifier, Snapshotter and Deleter.
type MemoryProvider struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // node IDs in insertion order
	edges []*Edge

	subMu   sync.Mutex
	subs    map[int]func(DeletionEvent)
	nextSub int
}

// NewMemoryProvider creates an empty graph.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		nodes: make(map[string]*Node),
		subs:  make(map[int]func(DeletionEvent)),
	}
}

// AddNode seeds a node with a caller-chosen ID. An empty ID is generated.
func (p *MemoryProvider) AddNode(id string, kind NodeKind, label string, attrs Attributes) (*Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == "" {
		id = newID(kind)
	}
	if _, exists := p.nodes[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	a := attrs.Clone()
	if label != "" {
		a[AttrName] = label
	}
	n := &Node{ID: id, Kind: kind, Label: a[AttrName], Attributes: a}
	p.insertLocked(n)
	return n.Clone(), nil
}

// AddFlow seeds a sequence flow between two existing nodes.
func (p *MemoryProvider) AddFlow(fromID, toID string) (*Edge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(fromID, toID, EdgeFlow)
}

func (p *MemoryProvider) FindNodes(ctx context.Context, pred Predicate) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Node
	for _, id := range p.order {
		n := p.nodes[id]
		if pred == nil || pred(n) {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (p *MemoryProvider) CreateNode(ctx context.Context, kind NodeKind, attrs Attributes) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	a := attrs.Clone()
	n := &Node{ID: newID(kind), Kind: kind, Label: a[AttrName], Attributes: a}
	p.insertLocked(n)
	return n.Clone(), nil
}

func (p *MemoryProvider) RemoveNodes(ctx context.Context, nodes []*Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range nodes {
		if n == nil {
			continue
		}
		p.removeLocked(n.ID)
	}
	return nil
}

func (p *MemoryProvider) Connect(ctx context.Context, from, to *Node, kind EdgeKind) (*Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from == nil || to == nil {
		return nil, fmt.Errorf("connect %s: %w", kind, ErrNodeNotFound)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(from.ID, to.ID, kind)
}

func (p *MemoryProvider) UpdateAttributes(ctx context.Context, node *Node, attrs Attributes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[node.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, node.ID)
	}
	for k, v := range attrs {
		if v == "" {
			delete(n.Attributes, k)
			continue
		}
		n.Attributes[k] = v
	}
	n.Label = n.Attributes[AttrName]
	return nil
}

func (p *MemoryProvider) FindEdges(ctx context.Context, pred EdgePredicate) ([]*Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Edge
	for _, e := range p.edges {
		if pred == nil || pred(e) {
			edge := *e
			out = append(out, &edge)
		}
	}
	return out, nil
}

func (p *MemoryProvider) Disconnect(ctx context.Context, edges []*Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		if e != nil {
			drop[e.ID] = struct{}{}
		}
	}
	kept := p.edges[:0]
	for _, e := range p.edges {
		if _, ok := drop[e.ID]; ok {
			continue
		}
		kept = append(kept, e)
	}
	p.edges = kept
	return nil
}

func (p *MemoryProvider) FindTaskByName(ctx context.Context, name string) (*Node, error) {
	nodes, err := p.FindNodes(ctx, ByLabel(NodeTask, name))
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

func (p *MemoryProvider) ListTasks(ctx context.Context) ([]*Node, error) {
	return p.FindNodes(ctx, ByKind(NodeTask))
}

// DeleteNode removes a node and its edges, then notifies subscribers with
// the edges it had.
func (p *MemoryProvider) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	n, ok := p.nodes[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	ev := DeletionEvent{Node: n.Clone()}
	for _, e := range p.edges {
		edge := *e
		if e.ToID == id {
			ev.Incoming = append(ev.Incoming, &edge)
		}
		if e.FromID == id {
			ev.Outgoing = append(ev.Outgoing, &edge)
		}
	}
	p.removeLocked(id)
	p.mu.Unlock()

	p.subMu.Lock()
	subs := make([]func(DeletionEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.subMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (p *MemoryProvider) Subscribe(fn func(DeletionEvent)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.subs, id)
	}
}

// Graph returns a deep copy of the current graph.
func (p *MemoryProvider) Graph() *Graph {
	p.mu.RLock()
	defer p.mu.RUnlock()

	g := NewGraph()
	for id, n := range p.nodes {
		g.Nodes[id] = n.Clone()
	}
	for _, e := range p.edges {
		edge := *e
		g.Edges = append(g.Edges, &edge)
	}
	return g
}

func (p *MemoryProvider) insertLocked(n *Node) {
	p.nodes[n.ID] = n
	p.order = append(p.order, n.ID)
}

// removeLocked drops a node and every edge touching it. Must be called with
// p.mu held.
func (p *MemoryProvider) removeLocked(id string) {
	if _, ok := p.nodes[id]; !ok {
		return
	}
	delete(p.nodes, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	kept := p.edges[:0]
	for _, e := range p.edges {
		if e.FromID == id || e.ToID == id {
			continue
		}
		kept = append(kept, e)
	}
	p.edges = kept
}

func (p *MemoryProvider) connectLocked(fromID, toID string, kind EdgeKind) (*Edge, error) {
	if _, ok := p.nodes[fromID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, fromID)
	}
	if _, ok := p.nodes[toID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, toID)
	}
	for _, e := range p.edges {
		if e.FromID == fromID && e.ToID == toID && e.Kind == kind {
			edge := *e
			return &edge, nil
		}
	}
	e := &Edge{ID: "edge_" + uuid.NewString(), FromID: fromID, ToID: toID, Kind: kind}
	p.edges = append(p.edges, e)
	edge := *e
	return &edge, nil
}

func newID(kind NodeKind) string {
	return string(kind) + "_" + uuid.NewString()
}
