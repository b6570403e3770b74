package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/raciflow/pkg/buffer"
	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "raciflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// newProcess seeds Start -> Draft Document -> Review Document -> End.
func newProcess(t *testing.T) *graph.MemoryProvider {
	t.Helper()
	p := graph.NewMemoryProvider()
	for _, n := range [][3]string{
		{"start", string(graph.NodeEvent), "Start"},
		{"draft", string(graph.NodeTask), "Draft Document"},
		{"review", string(graph.NodeTask), "Review Document"},
		{"end", string(graph.NodeEvent), "End"},
	} {
		_, err := p.AddNode(n[0], graph.NodeKind(n[1]), n[2], nil)
		require.NoError(t, err)
	}
	for _, f := range [][2]string{{"start", "draft"}, {"draft", "review"}, {"review", "end"}} {
		_, err := p.AddFlow(f[0], f[1])
		require.NoError(t, err)
	}
	return p
}

type harness struct {
	engine    *Engine
	provider  *graph.MemoryProvider
	scheduler *buffer.ManualScheduler
	events    *store.Store
	matrix    *EventStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p := newProcess(t)
	st := newTestStore(t)
	sched := buffer.NewManualScheduler()
	ms := NewEventStore(st, NewMatrixProjection(), "test")

	e, err := New(Deps{
		Matrix:        ms,
		Provider:      p,
		Tasks:         p,
		Events:        st,
		FlowSnapshots: NewFlowState(st),
		Scheduler:     sched,
		Origin:        "test",
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &harness{engine: e, provider: p, scheduler: sched, events: st, matrix: ms}
}

func (h *harness) eventTypes(t *testing.T) []store.EventType {
	t.Helper()
	events, err := h.events.QueryEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	var out []store.EventType
	for _, evt := range events {
		out = append(out, evt.EventType)
	}
	return out
}

func TestNew_RequiresMatrixStore(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, ErrNoMatrixStore)
}

func TestEngine_DraftDocumentEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Writer", matrix.CellOf(matrix.Responsible)))
	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Reviewer", matrix.CellOf(matrix.Accountable)))
	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Legal", matrix.CellOf(matrix.Consulted)))
	assert.Equal(t, buffer.StateBuffering, h.engine.State())
	assert.Len(t, h.engine.Pending(), 3)

	assert.Equal(t, 1, h.scheduler.FireAll())
	assert.Equal(t, buffer.StateInactive, h.engine.State())
	assert.Empty(t, h.engine.Pending())

	last, ok := h.engine.LastResult()
	require.True(t, ok)
	assert.Equal(t, PassFull, last.Kind)
	assert.True(t, last.Result.OK(), "errors: %v", last.Result.Errors)
	assert.Equal(t, 3, last.Result.RolesCreated)
	assert.Equal(t, 2, last.Result.ChainNodes)

	g, err := h.engine.Graph()
	require.NoError(t, err)
	consult := g.FindByLabel(graph.NodeChain, "Consult Legal")
	approve := g.FindByLabel(graph.NodeChain, "Approve Reviewer")
	require.NotNil(t, consult)
	require.NotNil(t, approve)
	assert.True(t, g.HasEdge("draft", consult.ID, graph.EdgeFlow))
	assert.True(t, g.HasEdge(consult.ID, approve.ID, graph.EdgeFlow))
	assert.True(t, g.HasEdge(approve.ID, "review", graph.EdgeFlow))
	assert.False(t, g.HasEdge("draft", "review", graph.EdgeFlow))

	m, err := h.engine.Matrix(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R", m.Get("Draft Document", "Writer").String())

	types := h.eventTypes(t)
	assert.Contains(t, types, store.EventTypeCellBuffered)
	assert.Contains(t, types, store.EventTypeChangesApplied)
	assert.Contains(t, types, store.EventTypeReconcileCompleted)

	snap := h.engine.FlowSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, []string{"review"}, snap.Successors("draft"))
}

func TestEngine_InvalidMatrixIsBuffered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Writer", matrix.CellOf(matrix.Responsible)))
	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Reviewer", matrix.CellOf(matrix.Accountable)))
	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Manager", matrix.CellOf(matrix.Accountable)))

	out, err := h.engine.Flush(ctx, false)
	require.NoError(t, err)
	assert.False(t, out.Flushed)
	assert.False(t, out.Validation.IsValid)
	assert.Equal(t, buffer.StateBuffering, h.engine.State())
	assert.Len(t, h.engine.Pending(), 3)

	g, err := h.engine.Graph()
	require.NoError(t, err)
	assert.Zero(t, g.CountKind(graph.NodeRole), "no graph mutation while invalid")
	_, ran := h.engine.LastResult()
	assert.False(t, ran)
	assert.Contains(t, h.eventTypes(t), store.EventTypeValidationFailed)

	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Manager", matrix.Cell(0)))
	out, err = h.engine.Flush(ctx, false)
	require.NoError(t, err)
	assert.True(t, out.Flushed)

	g, err = h.engine.Graph()
	require.NoError(t, err)
	assert.Equal(t, 2, g.CountKind(graph.NodeRole))
}

func TestEngine_ForcedInvalidFlushIsBlockedByReconciler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Reviewer", matrix.CellOf(matrix.Accountable)))
	out, err := h.engine.Flush(ctx, true)
	require.NoError(t, err)
	assert.True(t, out.Flushed)

	last, ok := h.engine.LastResult()
	require.True(t, ok)
	assert.True(t, last.Result.Blocked())

	g, err := h.engine.Graph()
	require.NoError(t, err)
	assert.Zero(t, g.CountKind(graph.NodeRole))
}

func TestEngine_ValidatePreviewsPendingEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Reviewer", matrix.CellOf(matrix.Accountable)))
	vr, err := h.engine.Validate(ctx)
	require.NoError(t, err)
	assert.False(t, vr.IsValid)

	preview, _, err := h.engine.Preview(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", preview.Get("Draft Document", "Reviewer").String())

	stored, err := h.engine.Matrix(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Len())
}

func TestEngine_SetCellRejectsEmptyTask(t *testing.T) {
	h := newHarness(t)
	err := h.engine.SetCell(context.Background(), "", "Writer", matrix.CellOf(matrix.Responsible))
	assert.ErrorIs(t, err, matrix.ErrEmptyName)
}

func TestEngine_SetCellRejectsChainStepNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, task := range []string{"Approve Purchase", "Consult Legal", "Inform Sponsor"} {
		err := h.engine.SetCell(ctx, task, "Writer", matrix.CellOf(matrix.Responsible))
		assert.ErrorIs(t, err, matrix.ErrReservedName, task)
	}
	assert.Empty(t, h.engine.Pending(), "rejected edits are not buffered")

	// clearing such a row is still allowed
	require.NoError(t, h.engine.SetCell(ctx, "Approve Purchase", "Writer", 0))
	// a bare prefix without a role is an ordinary name
	require.NoError(t, h.engine.SetCell(ctx, "Approve", "Writer", matrix.CellOf(matrix.Responsible)))
	assert.Len(t, h.engine.Pending(), 2)
}

func TestEngine_DeleteApprovalStepIsHandled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Writer", matrix.CellOf(matrix.Responsible)))
	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Reviewer", matrix.CellOf(matrix.Accountable)))
	_, err := h.engine.Flush(ctx, false)
	require.NoError(t, err)

	g, err := h.engine.Graph()
	require.NoError(t, err)
	approve := g.FindByLabel(graph.NodeChain, "Approve Reviewer")
	require.NotNil(t, approve)

	require.NoError(t, h.engine.DeleteNode(ctx, approve.ID))

	last, ok := h.engine.LastResult()
	require.True(t, ok)
	assert.Equal(t, PassDeletion, last.Kind)

	g, err = h.engine.Graph()
	require.NoError(t, err)
	assert.True(t, g.HasEdge("draft", "review", graph.EdgeFlow), "flow re-spliced around the deleted step")
	assert.Nil(t, g.FindByLabel(graph.NodeRole, "Reviewer"), "approver without other edges is collected")
	assert.NotNil(t, g.FindByLabel(graph.NodeRole, "Writer"))

	events, err := h.events.QueryEvents(ctx, store.EventFilter{EventTypes: []store.EventType{store.EventTypeNodeDeleted}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, approve.ID, events[0].Subject.NodeID)

	require.NoError(t, h.engine.SetCell(ctx, "Draft Document", "Writer", matrix.CellOf(matrix.Responsible)))
	_, err = h.engine.Flush(ctx, true)
	require.NoError(t, err)
	g, err = h.engine.Graph()
	require.NoError(t, err)
	assert.NotNil(t, g.FindByLabel(graph.NodeChain, "Approve Reviewer"), "next full pass restores the step")
}

func TestEngine_DeleteProcessNodeIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.DeleteNode(ctx, "end"))
	_, ran := h.engine.LastResult()
	assert.False(t, ran)

	err := h.engine.DeleteNode(ctx, "missing")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestEngine_ReconcileAtStartup(t *testing.T) {
	p := newProcess(t)
	m := matrix.New()
	m.Set("Review Document", "Reviewer", matrix.MustParseCell("R"))
	m.Set("Review Document", "Editor", matrix.MustParseCell("S"))

	e, err := New(Deps{
		Matrix:    matrix.NewMemoryStore(m),
		Provider:  p,
		Tasks:     p,
		Scheduler: buffer.NewManualScheduler(),
	})
	require.NoError(t, err)
	defer e.Close()

	res, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 1, res.GatewaysCreated)

	g, err := e.Graph()
	require.NoError(t, err)
	assert.Equal(t, 1, g.CountKind(graph.NodeAssignmentGateway))
}

func TestEngine_MissingProviderReportsFailure(t *testing.T) {
	e, err := New(Deps{Matrix: matrix.NewMemoryStore(nil), Scheduler: buffer.NewManualScheduler()})
	require.NoError(t, err)

	res, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Error)

	_, err = e.Graph()
	assert.ErrorIs(t, err, ErrGraphReadOnly)
	assert.ErrorIs(t, e.DeleteNode(context.Background(), "x"), ErrGraphReadOnly)
}

func TestEngine_SyncSkipsUnchangedMatrix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, ran, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, ran, "first sync always runs")

	_, ran, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	m := matrix.New()
	m.Set("Draft Document", "Writer", matrix.CellOf(matrix.Responsible))
	require.NoError(t, h.matrix.Set(ctx, m))

	res, ran, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, res.RolesCreated)

	_, ran, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

var errCreateRefused = errors.New("create refused")

// ctxProvider can cancel a caller's context on the n-th CreateNode and
// refuse creations. The memory provider underneath fails on a done context.
type ctxProvider struct {
	*graph.MemoryProvider

	mu          sync.Mutex
	creates     int
	cancelAfter int
	cancel      context.CancelFunc
	refuse      bool
}

func (c *ctxProvider) cancelOn(n int, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates, c.cancelAfter, c.cancel = 0, n, cancel
}

func (c *ctxProvider) setRefuse(refuse bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse = refuse
}

func (c *ctxProvider) CreateNode(ctx context.Context, kind graph.NodeKind, attrs graph.Attributes) (*graph.Node, error) {
	c.mu.Lock()
	c.creates++
	if c.cancel != nil && c.creates == c.cancelAfter {
		c.cancel()
	}
	refuse := c.refuse
	c.mu.Unlock()

	if refuse {
		return nil, errCreateRefused
	}
	return c.MemoryProvider.CreateNode(ctx, kind, attrs)
}

func syntheticLabels(g *graph.Graph) []string {
	var out []string
	for _, n := range g.Nodes {
		if n.IsSynthetic() {
			out = append(out, string(n.Kind)+":"+n.Label)
		}
	}
	sort.Strings(out)
	return out
}

func TestEngine_FlushOutlivesCallerContext(t *testing.T) {
	prov := &ctxProvider{MemoryProvider: newProcess(t)}
	e, err := New(Deps{
		Matrix:    matrix.NewMemoryStore(nil),
		Provider:  prov,
		Tasks:     prov,
		Scheduler: buffer.NewManualScheduler(),
	})
	require.NoError(t, err)
	defer e.Close()

	bg := context.Background()
	require.NoError(t, e.SetCell(bg, "Draft Document", "Writer", matrix.CellOf(matrix.Responsible)))
	require.NoError(t, e.SetCell(bg, "Draft Document", "Reviewer", matrix.CellOf(matrix.Accountable)))
	require.NoError(t, e.SetCell(bg, "Draft Document", "Legal", matrix.CellOf(matrix.Consulted)))
	out, err := e.Flush(bg, false)
	require.NoError(t, err)
	require.True(t, out.Flushed)
	before, err := e.Graph()
	require.NoError(t, err)
	require.Len(t, syntheticLabels(before), 5)

	// the client disconnects while the repeat pass rebuilds the chain
	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	prov.cancelOn(2, cancel)
	require.NoError(t, e.SetCell(ctx, "Draft Document", "Writer", matrix.CellOf(matrix.Responsible)))
	out, err = e.Flush(ctx, false)
	require.NoError(t, err)
	assert.True(t, out.Flushed)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	last, ok := e.LastResult()
	require.True(t, ok)
	assert.True(t, last.Result.OK(), "errors: %v", last.Result.Errors)

	after, err := e.Graph()
	require.NoError(t, err)
	assert.Equal(t, syntheticLabels(before), syntheticLabels(after))
	consult := after.FindByLabel(graph.NodeChain, "Consult Legal")
	approve := after.FindByLabel(graph.NodeChain, "Approve Reviewer")
	require.NotNil(t, consult)
	require.NotNil(t, approve)
	assert.True(t, after.HasEdge("draft", consult.ID, graph.EdgeFlow))
	assert.True(t, after.HasEdge(consult.ID, approve.ID, graph.EdgeFlow))
	assert.True(t, after.HasEdge(approve.ID, "review", graph.EdgeFlow))

	stored, err := e.Matrix(bg)
	require.NoError(t, err)
	assert.Equal(t, "R", stored.Get("Draft Document", "Writer").String())
}

func TestEngine_SyncRetriesPassWithErrors(t *testing.T) {
	prov := &ctxProvider{MemoryProvider: newProcess(t), refuse: true}
	m := matrix.New()
	m.Set("Draft Document", "Writer", matrix.CellOf(matrix.Responsible))
	m.Set("Draft Document", "Legal", matrix.CellOf(matrix.Consulted))

	e, err := New(Deps{
		Matrix:    matrix.NewMemoryStore(m),
		Provider:  prov,
		Tasks:     prov,
		Scheduler: buffer.NewManualScheduler(),
	})
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	res, ran, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NotEmpty(t, res.Errors)

	prov.setRefuse(false)
	res, ran, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, ran, "a pass with errors does not count as reconciled")
	assert.True(t, res.OK(), "errors: %v", res.Errors)

	_, ran, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestEngine_CloseStopsDebounce(t *testing.T) {
	p := newProcess(t)
	e, err := New(Deps{
		Matrix:   matrix.NewMemoryStore(nil),
		Provider: p,
		Tasks:    p,
		Delay:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, e.SetCell(ctx, "Draft Document", "Writer", matrix.CellOf(matrix.Responsible)))
	e.Close()
	require.NoError(t, e.SetCell(ctx, "Draft Document", "Legal", matrix.CellOf(matrix.Consulted)))
	time.Sleep(100 * time.Millisecond)

	_, ran := e.LastResult()
	assert.False(t, ran, "no debounced pass after Close")
	assert.Len(t, e.Pending(), 2)
	stored, err := e.Matrix(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Len())
}
