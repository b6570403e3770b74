package graph

import (
	"context"
	"errors"
)

var (
	// ErrNodeNotFound is returned when an operation references a missing node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrDuplicateNode is returned when seeding a node whose ID is taken.
	ErrDuplicateNode = errors.New("duplicate node id")
)

// Predicate selects nodes.
type Predicate func(*Node) bool

// EdgePredicate selects edges.
type EdgePredicate func(*Edge) bool

// Provider is the mutation surface of the process graph.
type Provider interface {
	FindNodes(ctx context.Context, pred Predicate) ([]*Node, error)
	CreateNode(ctx context.Context, kind NodeKind, attrs Attributes) (*Node, error)
	RemoveNodes(ctx context.Context, nodes []*Node) error
	// Connect returns the existing edge when an identical one is present.
	Connect(ctx context.Context, from, to *Node, kind EdgeKind) (*Edge, error)
	UpdateAttributes(ctx context.Context, node *Node, attrs Attributes) error

	FindEdges(ctx context.Context, pred EdgePredicate) ([]*Edge, error)
	Disconnect(ctx context.Context, edges []*Edge) error
}

// TaskSource resolves process activities. FindTaskByName returns nil, nil
// when no task has the name.
type TaskSource interface {
	FindTaskByName(ctx context.Context, name string) (*Node, error)
	ListTasks(ctx context.Context) ([]*Node, error)
}

// DeletionEvent describes a node removed outside the reconciler, with the
// edges it had at the time.
type DeletionEvent struct {
	Node     *Node   `json:"node"`
	Incoming []*Edge `json:"incoming"`
	Outgoing []*Edge `json:"outgoing"`
}

// DeletionNotifier delivers DeletionEvents. The returned func unsubscribes.
type DeletionNotifier interface {
	Subscribe(fn func(DeletionEvent)) (unsubscribe func())
}

// Snapshotter exposes a copy of the whole graph.
type Snapshotter interface {
	Graph() *Graph
}

// Deleter removes a node the way an editing surface would, notifying
// subscribers.
type Deleter interface {
	DeleteNode(ctx context.Context, id string) error
}

// All matches every node.
func All() Predicate {
	return func(*Node) bool { return true }
}

// ByID matches a node ID.
func ByID(id string) Predicate {
	return func(n *Node) bool { return n.ID == id }
}

// ByKind matches a node kind.
func ByKind(kind NodeKind) Predicate {
	return func(n *Node) bool { return n.Kind == kind }
}

// ByLabel matches kind and label.
func ByLabel(kind NodeKind, label string) Predicate {
	return func(n *Node) bool { return n.Kind == kind && n.Label == label }
}

// WithAttr matches an attribute value.
func WithAttr(key, value string) Predicate {
	return func(n *Node) bool { return n.Attr(key) == value }
}

// Synthetic matches nodes owned by the reconciler.
func Synthetic() Predicate {
	return func(n *Node) bool { return n.IsSynthetic() }
}

// And combines predicates.
func And(preds ...Predicate) Predicate {
	return func(n *Node) bool {
		for _, p := range preds {
			if !p(n) {
				return false
			}
		}
		return true
	}
}

// AllEdges matches every edge.
func AllEdges() EdgePredicate {
	return func(*Edge) bool { return true }
}

// EdgeOfKind matches any of the kinds.
func EdgeOfKind(kinds ...EdgeKind) EdgePredicate {
	return func(e *Edge) bool {
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}

// EdgeFrom matches the source node.
func EdgeFrom(id string) EdgePredicate {
	return func(e *Edge) bool { return e.FromID == id }
}

// EdgeTo matches the target node.
func EdgeTo(id string) EdgePredicate {
	return func(e *Edge) bool { return e.ToID == id }
}

// EdgeTouches matches edges incident to id.
func EdgeTouches(id string) EdgePredicate {
	return func(e *Edge) bool { return e.FromID == id || e.ToID == id }
}

// EdgeAnd combines edge predicates.
func EdgeAnd(preds ...EdgePredicate) EdgePredicate {
	return func(e *Edge) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}
}
