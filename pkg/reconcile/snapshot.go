package reconcile

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rmax-ai/raciflow/pkg/graph"
)

// FlowSnapshot holds each task's successors as they were before any
// synthetic step was spliced in. Entries are write-once.
type FlowSnapshot struct {
	mu         sync.RWMutex
	successors map[string][]string // task node ID -> successor node IDs
}

// NewFlowSnapshot creates an empty snapshot.
func NewFlowSnapshot() *FlowSnapshot {
	return &FlowSnapshot{successors: make(map[string][]string)}
}

// Has reports whether the task was captured.
func (s *FlowSnapshot) Has(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.successors[taskID]
	return ok
}

// Successors returns the captured successor IDs of a task.
func (s *FlowSnapshot) Successors(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.successors[taskID]...)
}

// Capture records successors for a task unless it is already captured, and
// reports whether it did.
func (s *FlowSnapshot) Capture(taskID string, successors []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.successors[taskID]; ok {
		return false
	}
	s.successors[taskID] = append([]string{}, successors...)
	return true
}

// Len returns the number of captured tasks.
func (s *FlowSnapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.successors)
}

// Tasks lists captured task IDs, sorted.
func (s *FlowSnapshot) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.successors))
	for id := range s.successors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *FlowSnapshot) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.successors)
}

func (s *FlowSnapshot) UnmarshalJSON(data []byte) error {
	var succ map[string][]string
	if err := json.Unmarshal(data, &succ); err != nil {
		return err
	}
	if succ == nil {
		succ = make(map[string][]string)
	}
	s.mu.Lock()
	s.successors = succ
	s.mu.Unlock()
	return nil
}

// SnapshotStore persists the flow snapshot across restarts. A nil snapshot
// from LoadFlowSnapshot means nothing was saved yet.
type SnapshotStore interface {
	LoadFlowSnapshot(ctx context.Context) (*FlowSnapshot, error)
	SaveFlowSnapshot(ctx context.Context, s *FlowSnapshot) error
}

// observeSuccessors follows flow edges out of a task, walking through
// synthetic nodes, and returns the first non-synthetic successors.
func observeSuccessors(ctx context.Context, p graph.Provider, taskID string) ([]string, error) {
	var out []string
	seen := map[string]bool{taskID: true}
	queue := []string{taskID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		edges, err := p.FindEdges(ctx, graph.EdgeAnd(graph.EdgeFrom(id), graph.EdgeOfKind(graph.EdgeFlow)))
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if seen[e.ToID] {
				continue
			}
			seen[e.ToID] = true

			nodes, err := p.FindNodes(ctx, graph.ByID(e.ToID))
			if err != nil {
				return nil, err
			}
			if len(nodes) == 0 {
				continue
			}
			if nodes[0].IsSynthetic() {
				queue = append(queue, e.ToID)
				continue
			}
			out = append(out, e.ToID)
		}
	}
	return out, nil
}
