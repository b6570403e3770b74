package buffer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

type flushRecorder struct {
	calls    int
	matrices []*matrix.Matrix
	err      error
	during   func()
}

func (f *flushRecorder) flush(ctx context.Context, m *matrix.Matrix) error {
	f.calls++
	f.matrices = append(f.matrices, m.Clone())
	if f.during != nil {
		during := f.during
		f.during = nil
		during()
	}
	return f.err
}

func newTestBuffer(t *testing.T, initial *matrix.Matrix, opts ...Option) (*Buffer, *matrix.MemoryStore, *flushRecorder, *ManualScheduler) {
	t.Helper()
	store := matrix.NewMemoryStore(initial)
	rec := &flushRecorder{}
	sched := NewManualScheduler()
	opts = append([]Option{WithScheduler(sched)}, opts...)
	b := New(store, validation.NewDefault(), rec.flush, opts...)
	return b, store, rec, sched
}

func TestBuffer_ValidChangesFlushOnce(t *testing.T) {
	b, store, rec, _ := newTestBuffer(t, nil)
	ctx := context.Background()

	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	b.AddChange("Draft", "Reviewer", matrix.CellOf(matrix.Accountable))
	if b.State() != StateBuffering {
		t.Fatalf("expected BUFFERING, got %s", b.State())
	}

	out, err := b.Trigger(ctx, false)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !out.Flushed || out.Applied != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if rec.calls != 1 {
		t.Errorf("expected exactly one flush, got %d", rec.calls)
	}
	if b.State() != StateInactive || len(b.Pending()) != 0 {
		t.Errorf("expected empty INACTIVE buffer, got %s with %d pending", b.State(), len(b.Pending()))
	}

	m, _ := store.Get(ctx)
	if m.Get("Draft", "Reviewer") != matrix.CellOf(matrix.Accountable) {
		t.Errorf("changes not applied to store")
	}
}

func TestBuffer_InvalidMatrixStaysBuffered(t *testing.T) {
	b, store, rec, _ := newTestBuffer(t, nil)
	ctx := context.Background()

	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	b.AddChange("Draft", "Reviewer", matrix.CellOf(matrix.Accountable))
	b.AddChange("Draft", "Director", matrix.CellOf(matrix.Accountable))

	out, err := b.Trigger(ctx, false)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if out.Flushed || out.Validation.IsValid {
		t.Fatalf("invalid matrix must not flush: %+v", out)
	}
	if rec.calls != 0 {
		t.Errorf("flush called %d times for invalid matrix", rec.calls)
	}
	if b.State() != StateBuffering || len(b.Pending()) != 3 {
		t.Errorf("expected 3 pending in BUFFERING, got %d in %s", len(b.Pending()), b.State())
	}
	if m, _ := store.Get(ctx); m.Len() != 0 {
		t.Errorf("store must not change while invalid")
	}

	// fixing the offending cell applies everything in one pass
	b.AddChange("Draft", "Director", matrix.CellOf(matrix.Informed))
	out, err = b.Trigger(ctx, false)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !out.Flushed || out.Applied != 3 || rec.calls != 1 {
		t.Errorf("expected one flush of 3 changes, got %+v calls=%d", out, rec.calls)
	}
	if got := rec.matrices[0].Get("Draft", "Director"); got != matrix.CellOf(matrix.Informed) {
		t.Errorf("flushed matrix has Director=%v", got)
	}
}

func TestBuffer_ForceFlushesInvalidMatrix(t *testing.T) {
	b, _, rec, _ := newTestBuffer(t, nil)

	b.AddChange("Draft", "Legal", matrix.CellOf(matrix.Consulted))
	out, err := b.Trigger(context.Background(), true)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !out.Flushed || !out.Forced || out.Validation.IsValid {
		t.Errorf("unexpected outcome %+v", out)
	}
	if rec.calls != 1 {
		t.Errorf("expected forced flush, got %d calls", rec.calls)
	}
}

func TestBuffer_DebounceCoalesces(t *testing.T) {
	b, _, rec, sched := newTestBuffer(t, nil, WithDelay(250*time.Millisecond))

	for i := 0; i < 5; i++ {
		b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	}
	if got := sched.Pending(); len(got) != 1 {
		t.Fatalf("expected a single pending trigger, got %v", got)
	}
	if d, _ := sched.Delay(flushKey); d != 250*time.Millisecond {
		t.Errorf("unexpected delay %v", d)
	}
	if len(b.Pending()) != 1 {
		t.Errorf("upsert should keep one change per cell, got %d", len(b.Pending()))
	}

	if n := sched.FireAll(); n != 1 {
		t.Fatalf("expected 1 fired trigger, got %d", n)
	}
	if rec.calls != 1 {
		t.Errorf("expected a single flush for the burst, got %d", rec.calls)
	}
}

func TestBuffer_ExplicitTriggerCancelsDebounce(t *testing.T) {
	b, _, rec, sched := newTestBuffer(t, nil)

	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	if _, err := b.Trigger(context.Background(), false); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if len(sched.Pending()) != 0 {
		t.Errorf("debounce should be cancelled by an explicit trigger")
	}
	if rec.calls != 1 {
		t.Errorf("expected 1 flush, got %d", rec.calls)
	}
}

func TestBuffer_CapacityDropsOldest(t *testing.T) {
	b, _, _, _ := newTestBuffer(t, nil, WithCapacity(3))

	for i := 0; i < 5; i++ {
		b.AddChange(fmt.Sprintf("T%d", i), "Writer", matrix.CellOf(matrix.Responsible))
	}
	pending := b.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].Task != "T2" || pending[2].Task != "T4" {
		t.Errorf("expected T2..T4 to survive, got %v", pending)
	}
	if b.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", b.Dropped())
	}

	// touching an old entry makes it the newest
	b.AddChange("T2", "Writer", matrix.CellOf(matrix.Support))
	b.AddChange("T5", "Writer", matrix.CellOf(matrix.Responsible))
	pending = b.Pending()
	if pending[0].Task != "T4" || pending[1].Task != "T2" || pending[2].Task != "T5" {
		t.Errorf("unexpected order after upsert %v", pending)
	}
}

func TestBuffer_TriggerDuringPassIsQueued(t *testing.T) {
	b, _, rec, _ := newTestBuffer(t, nil)
	ctx := context.Background()

	var inner Outcome
	rec.during = func() {
		b.AddChange("Review", "Editor", matrix.CellOf(matrix.Responsible))
		inner, _ = b.Trigger(ctx, false)
	}

	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	out, err := b.Trigger(ctx, false)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if !inner.Queued {
		t.Errorf("nested trigger should be queued, got %+v", inner)
	}
	if !out.Flushed {
		t.Errorf("outer trigger should flush")
	}
	if rec.calls != 2 {
		t.Fatalf("queued trigger should run right after the pass, got %d flushes", rec.calls)
	}
	if !rec.matrices[1].HasTask("Review") {
		t.Errorf("queued pass should include the change made mid-pass")
	}
	if b.State() != StateInactive || len(b.Pending()) != 0 {
		t.Errorf("expected drained buffer, got %s/%d", b.State(), len(b.Pending()))
	}
}

type failingStore struct {
	matrix.Store
}

func (failingStore) Set(ctx context.Context, m *matrix.Matrix) error {
	return errors.New("disk full")
}

func TestBuffer_StoreFailureKeepsChanges(t *testing.T) {
	rec := &flushRecorder{}
	b := New(failingStore{matrix.NewMemoryStore(nil)}, validation.NewDefault(), rec.flush,
		WithScheduler(NewManualScheduler()))

	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	if _, err := b.Trigger(context.Background(), false); err == nil {
		t.Fatalf("expected store error")
	}
	if rec.calls != 0 {
		t.Errorf("flush must not run when the store rejects the matrix")
	}
	if len(b.Pending()) != 1 || b.State() != StateBuffering {
		t.Errorf("changes must survive a failed apply")
	}
}

func TestBuffer_OutcomeHandlerSeesDebouncedPasses(t *testing.T) {
	var seen []Outcome
	b, _, _, sched := newTestBuffer(t, nil, WithOutcomeHandler(func(o Outcome) {
		seen = append(seen, o)
	}))

	b.AddChange("Draft", "Legal", matrix.CellOf(matrix.Consulted))
	sched.FireAll()

	if len(seen) != 1 || seen[0].Flushed || seen[0].State != StateBuffering {
		t.Errorf("unexpected outcomes %+v", seen)
	}
}

func TestBuffer_Preview(t *testing.T) {
	initial := matrix.New()
	initial.Set("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	b, _, _, _ := newTestBuffer(t, initial)

	b.AddChange("Draft", "Editor", matrix.CellOf(matrix.Responsible))
	m, res, err := b.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if m.Get("Draft", "Editor").Empty() {
		t.Errorf("preview should include pending change")
	}
	if res.IsValid {
		t.Errorf("two responsible roles should be invalid")
	}
}

func TestTimerScheduler_Coalesces(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	fired := make(chan string, 4)
	s.SubmitCoalesced("k", func() { fired <- "first" }, 20*time.Millisecond)
	s.SubmitCoalesced("k", func() { fired <- "second" }, 20*time.Millisecond)

	select {
	case got := <-fired:
		if got != "second" {
			t.Errorf("expected the latest submission to win, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timer never fired")
	}

	s.SubmitCoalesced("k", func() { fired <- "cancelled" }, 20*time.Millisecond)
	s.Cancel("k")
	select {
	case got := <-fired:
		t.Errorf("cancelled work ran: %s", got)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestBuffer_CloseStopsOwnScheduler(t *testing.T) {
	store := matrix.NewMemoryStore(nil)
	rec := &flushRecorder{}
	b := New(store, validation.NewDefault(), rec.flush, WithDelay(20*time.Millisecond))

	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	b.Close()
	b.AddChange("Draft", "Editor", matrix.CellOf(matrix.Support))
	time.Sleep(100 * time.Millisecond)

	if rec.calls != 0 {
		t.Errorf("expected no flush after Close, got %d", rec.calls)
	}
	if len(b.Pending()) != 2 {
		t.Errorf("expected edits to stay buffered, got %d", len(b.Pending()))
	}

	// an explicit trigger still works
	out, err := b.Trigger(context.Background(), false)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !out.Flushed || rec.calls != 1 {
		t.Errorf("unexpected outcome %+v after %d flushes", out, rec.calls)
	}
}

func TestBuffer_CloseLeavesInjectedSchedulerRunning(t *testing.T) {
	b, _, _, sched := newTestBuffer(t, nil)
	other := 0
	sched.SubmitCoalesced("other", func() { other++ }, time.Second)

	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))
	b.Close()

	if got := sched.Pending(); len(got) != 1 || got[0] != "other" {
		t.Fatalf("expected only foreign work pending, got %v", got)
	}
	sched.FireAll()
	if other != 1 {
		t.Errorf("foreign work should still run")
	}
}

type cancelOnSetStore struct {
	*matrix.MemoryStore
	cancel context.CancelFunc
}

func (s cancelOnSetStore) Set(ctx context.Context, m *matrix.Matrix) error {
	s.cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, m)
}

func TestBuffer_PassOutlivesCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cancelOnSetStore{MemoryStore: matrix.NewMemoryStore(nil), cancel: cancel}

	var flushCtxErr error
	flush := func(fctx context.Context, m *matrix.Matrix) error {
		flushCtxErr = fctx.Err()
		return nil
	}
	b := New(store, validation.NewDefault(), flush, WithScheduler(NewManualScheduler()))
	b.AddChange("Draft", "Writer", matrix.CellOf(matrix.Responsible))

	out, err := b.Trigger(ctx, false)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !out.Flushed {
		t.Errorf("expected the pass to complete, got %+v", out)
	}
	if flushCtxErr != nil {
		t.Errorf("flush saw a cancelled context: %v", flushCtxErr)
	}
	if ctx.Err() == nil {
		t.Errorf("caller context should have been cancelled")
	}
}
