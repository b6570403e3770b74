package engine

import (
	"context"
	"testing"

	"github.com/rmax-ai/raciflow/pkg/reconcile"
)

func TestFlowState_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	fs := NewFlowState(st)

	snap, err := fs.LoadFlowSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadFlowSnapshot failed: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected no snapshot, got %v", snap.Tasks())
	}

	saved := reconcile.NewFlowSnapshot()
	saved.Capture("draft", []string{"review"})
	saved.Capture("review", []string{"end"})
	if err := fs.SaveFlowSnapshot(ctx, saved); err != nil {
		t.Fatalf("SaveFlowSnapshot failed: %v", err)
	}

	snap, err = fs.LoadFlowSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadFlowSnapshot failed: %v", err)
	}
	if snap.Len() != 2 {
		t.Errorf("expected 2 tasks, got %d", snap.Len())
	}
	if got := snap.Successors("review"); len(got) != 1 || got[0] != "end" {
		t.Errorf("unexpected successors %v", got)
	}
}

func TestFlowState_SurvivesEngineRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	snap, err := NewFlowState(h.events).LoadFlowSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadFlowSnapshot failed: %v", err)
	}
	if snap == nil || !snap.Has("draft") {
		t.Fatal("expected the first pass to persist the flow snapshot")
	}
}
