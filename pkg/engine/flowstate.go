package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rmax-ai/raciflow/pkg/reconcile"
	"github.com/rmax-ai/raciflow/pkg/store"
)

// FlowSnapshotKey is the system_state key holding the flow snapshot.
const FlowSnapshotKey = "flow_snapshot"

// FlowState persists the reconciler's flow snapshot in system_state, so the
// original successors of every task survive restarts.
type FlowState struct {
	store *store.Store
}

func NewFlowState(st *store.Store) *FlowState {
	return &FlowState{store: st}
}

// LoadFlowSnapshot implements reconcile.SnapshotStore.
func (f *FlowState) LoadFlowSnapshot(ctx context.Context) (*reconcile.FlowSnapshot, error) {
	val, err := f.store.GetSystemState(ctx, FlowSnapshotKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := reconcile.NewFlowSnapshot()
	if err := json.Unmarshal([]byte(val), snap); err != nil {
		return nil, fmt.Errorf("failed to decode flow snapshot: %w", err)
	}
	return snap, nil
}

// SaveFlowSnapshot implements reconcile.SnapshotStore.
func (f *FlowState) SaveFlowSnapshot(ctx context.Context, snap *reconcile.FlowSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode flow snapshot: %w", err)
	}
	return f.store.SetSystemState(ctx, FlowSnapshotKey, string(data))
}
