package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/raciflow/pkg/buffer"
	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/reconcile"
	"github.com/rmax-ai/raciflow/pkg/store"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

var (
	// ErrNoMatrixStore is returned by New without a matrix store.
	ErrNoMatrixStore = errors.New("matrix store is required")
	// ErrGraphReadOnly is returned when the provider cannot snapshot or
	// delete nodes.
	ErrGraphReadOnly = errors.New("graph provider does not support this operation")
)

// Pass kinds used in metrics and reconcile_completed events.
const (
	PassFull     = "full"
	PassDeletion = "deletion"
)

// Deps are the collaborators of an Engine. Matrix is required. A nil
// Provider or Tasks is reported by every pass. When Provider also
// implements graph.DeletionNotifier, graph.Snapshotter or graph.Deleter
// the engine subscribes to deletions and serves graph reads and deletes.
type Deps struct {
	Matrix    matrix.Store
	Provider  graph.Provider
	Tasks     graph.TaskSource
	Validator *validation.Validator

	// Events is the optional event log.
	Events *store.Store
	// FlowSnapshots persists the flow snapshot across restarts.
	FlowSnapshots reconcile.SnapshotStore

	Scheduler buffer.Scheduler
	Delay     time.Duration
	Capacity  int

	// Origin tags the events this engine writes (daemon, api, mcp, ...).
	Origin string
	Logger *slog.Logger
}

// LastPass is the most recent reconciliation result.
type LastPass struct {
	Kind   string           `json:"kind"`
	At     time.Time        `json:"at"`
	Result reconcile.Result `json:"result"`
}

// Engine ties the change buffer, the validator and the reconciler together
// and records what happens in the event log.
type Engine struct {
	deps       Deps
	logger     *slog.Logger
	validator  *validation.Validator
	reconciler *reconcile.Reconciler
	buffer     *buffer.Buffer
	baseCtx    context.Context

	// passMu serialises flush passes with deletion handling.
	passMu sync.Mutex

	mu   sync.RWMutex
	last *LastPass
	// reconciled is the matrix of the last full pass.
	reconciled *matrix.Matrix

	unsubscribe func()
}

// New wires an engine.
func New(deps Deps) (*Engine, error) {
	if deps.Matrix == nil {
		return nil, ErrNoMatrixStore
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewDefault()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		deps:      deps,
		logger:    logger,
		validator: deps.Validator,
		baseCtx:   context.Background(),
	}

	ropts := []reconcile.Option{
		reconcile.WithValidator(deps.Validator),
		reconcile.WithLogger(logger.With("component", "reconciler")),
	}
	if deps.FlowSnapshots != nil {
		ropts = append(ropts, reconcile.WithSnapshotStore(deps.FlowSnapshots))
	}
	e.reconciler = reconcile.New(deps.Provider, deps.Tasks, ropts...)

	bopts := []buffer.Option{
		buffer.WithLogger(logger.With("component", "buffer")),
		buffer.WithOutcomeHandler(e.onOutcome),
	}
	if deps.Scheduler != nil {
		bopts = append(bopts, buffer.WithScheduler(deps.Scheduler))
	}
	if deps.Delay > 0 {
		bopts = append(bopts, buffer.WithDelay(deps.Delay))
	}
	if deps.Capacity > 0 {
		bopts = append(bopts, buffer.WithCapacity(deps.Capacity))
	}
	e.buffer = buffer.New(deps.Matrix, deps.Validator, e.flush, bopts...)

	if n, ok := deps.Provider.(graph.DeletionNotifier); ok {
		e.unsubscribe = n.Subscribe(e.onDeletion)
	}
	return e, nil
}

// Close stops listening for deletions and cancels pending debounces.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.buffer.Close()
	if ts, ok := e.deps.Scheduler.(*buffer.TimerScheduler); ok {
		ts.Stop()
	}
}

// Validator returns the validator gating every pass.
func (e *Engine) Validator() *validation.Validator {
	return e.validator
}

// SetCell buffers an edit. The debounced flush runs after the configured
// delay unless Flush is called first. Tasks named like chain steps are never
// reconciled, so only clearing their cells is accepted.
func (e *Engine) SetCell(ctx context.Context, task, role string, cell matrix.Cell) error {
	if task == "" {
		return matrix.ErrEmptyName
	}
	if matrix.IsChainName(task) && !cell.Empty() {
		return fmt.Errorf("%w: %q", matrix.ErrReservedName, task)
	}
	e.buffer.AddChange(task, role, cell)
	pending := len(e.buffer.Pending())
	BufferDepth.Set(float64(pending))

	e.record(ctx, store.EventTypeCellBuffered,
		store.EventSubject{Task: task, Role: role},
		CellBufferedPayload{Cell: cell, Pending: pending})
	return nil
}

// Flush triggers the buffer now. Forced flushes store and reconcile an
// invalid matrix; the reconciler's own gate still blocks mutation.
func (e *Engine) Flush(ctx context.Context, force bool) (buffer.Outcome, error) {
	return e.buffer.Trigger(ctx, force)
}

// Reconcile runs a full pass over the stored matrix, bypassing the buffer.
// The daemon calls it once at startup.
func (e *Engine) Reconcile(ctx context.Context) (reconcile.Result, error) {
	m, err := e.deps.Matrix.Get(ctx)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("failed to load matrix: %w", err)
	}
	return e.fullPass(ctx, m), nil
}

// Sync runs a full pass only when the stored matrix differs from the one
// the last full pass reconciled. It reports whether a pass ran. Shared
// matrix stores call it on change notifications.
func (e *Engine) Sync(ctx context.Context) (reconcile.Result, bool, error) {
	m, err := e.deps.Matrix.Get(ctx)
	if err != nil {
		return reconcile.Result{}, false, fmt.Errorf("failed to load matrix: %w", err)
	}
	e.mu.RLock()
	same := e.reconciled != nil && e.reconciled.Equal(m)
	e.mu.RUnlock()
	if same {
		return reconcile.Result{}, false, nil
	}
	return e.fullPass(ctx, m), true, nil
}

// Matrix returns the stored matrix, without pending edits.
func (e *Engine) Matrix(ctx context.Context) (*matrix.Matrix, error) {
	return e.deps.Matrix.Get(ctx)
}

// Preview returns the matrix with pending edits applied and its validation.
func (e *Engine) Preview(ctx context.Context) (*matrix.Matrix, validation.Result, error) {
	return e.buffer.Preview(ctx)
}

// Validate validates the matrix as it would look after a flush.
func (e *Engine) Validate(ctx context.Context) (validation.Result, error) {
	_, vr, err := e.buffer.Preview(ctx)
	return vr, err
}

// Pending returns the buffered edits, oldest first.
func (e *Engine) Pending() []matrix.Change {
	return e.buffer.Pending()
}

// State returns the buffer state.
func (e *Engine) State() buffer.State {
	return e.buffer.State()
}

// Dropped returns how many edits the buffer evicted.
func (e *Engine) Dropped() int {
	return e.buffer.Dropped()
}

// Graph returns a copy of the process graph.
func (e *Engine) Graph() (*graph.Graph, error) {
	s, ok := e.deps.Provider.(graph.Snapshotter)
	if !ok {
		return nil, ErrGraphReadOnly
	}
	return s.Graph(), nil
}

// DeleteNode removes a node the way an editing surface would. Synthetic
// nodes trigger deletion handling through the subscription.
func (e *Engine) DeleteNode(ctx context.Context, id string) error {
	d, ok := e.deps.Provider.(graph.Deleter)
	if !ok {
		return ErrGraphReadOnly
	}
	return d.DeleteNode(ctx, id)
}

// LastResult returns the most recent pass, if any ran.
func (e *Engine) LastResult() (LastPass, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return LastPass{}, false
	}
	return *e.last, true
}

// FlowSnapshot returns the reconciler's flow snapshot, or nil before the
// first pass.
func (e *Engine) FlowSnapshot() *reconcile.FlowSnapshot {
	return e.reconciler.FlowSnapshot()
}

func (e *Engine) flush(ctx context.Context, m *matrix.Matrix) error {
	res := e.fullPass(ctx, m)
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

// fullPass is not cancelled with its caller: a pass stopped midway leaves
// the graph out of step with the matrix. Only a pass without errors counts
// as reconciled, so Sync retries the others.
func (e *Engine) fullPass(ctx context.Context, m *matrix.Matrix) reconcile.Result {
	ctx = context.WithoutCancel(ctx)
	res := e.runPass(ctx, PassFull, func() reconcile.Result {
		return e.reconciler.Reconcile(ctx, m)
	})
	if res.OK() && !res.Blocked() {
		e.mu.Lock()
		e.reconciled = m.Clone()
		e.mu.Unlock()
	}
	return res
}

func (e *Engine) onOutcome(out buffer.Outcome) {
	BufferDepth.Set(float64(len(e.buffer.Pending())))
	if out.Flushed || out.Validation.IsValid {
		return
	}
	observeValidation(out.Validation)
	e.record(e.baseCtx, store.EventTypeValidationFailed, store.EventSubject{},
		ValidationFailedPayload{
			Errors:   out.Validation.Errors,
			Warnings: out.Validation.Warnings,
			Pending:  len(e.buffer.Pending()),
			Forced:   out.Forced,
		})
}

func (e *Engine) onDeletion(ev graph.DeletionEvent) {
	if ev.Node == nil {
		return
	}
	ctx := context.WithoutCancel(e.baseCtx)
	if !ev.Node.IsSynthetic() {
		e.logger.Info("process node deleted, nothing to repair", "node", ev.Node.ID, "kind", ev.Node.Kind)
		return
	}
	m, err := e.deps.Matrix.Get(ctx)
	if err != nil {
		e.logger.Error("deletion handling skipped, matrix unavailable", "node", ev.Node.ID, "error", err)
		return
	}
	res := e.runPass(ctx, PassDeletion, func() reconcile.Result {
		return e.reconciler.HandleDeletion(ctx, m, ev)
	})
	e.record(ctx, store.EventTypeNodeDeleted,
		store.EventSubject{Task: ev.Node.Attr(graph.AttrTask), Role: ev.Node.Attr(graph.AttrRole), NodeID: ev.Node.ID},
		NodeDeletedPayload{Kind: ev.Node.Kind, Label: ev.Node.Label, Result: res})
}

func (e *Engine) runPass(ctx context.Context, kind string, fn func() reconcile.Result) reconcile.Result {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := time.Now()
	res := fn()
	observePass(kind, res, time.Since(start))
	if res.Validation != nil {
		observeValidation(*res.Validation)
	}

	e.mu.Lock()
	e.last = &LastPass{Kind: kind, At: time.Now().UTC(), Result: res}
	e.mu.Unlock()

	if res.Blocked() {
		e.record(ctx, store.EventTypeValidationFailed, store.EventSubject{},
			ValidationFailedPayload{
				Errors:   res.Validation.Errors,
				Warnings: res.Validation.Warnings,
				Pending:  len(e.buffer.Pending()),
			})
	} else if kind == PassFull {
		e.record(ctx, store.EventTypeReconcileCompleted, store.EventSubject{},
			ReconcileCompletedPayload{Kind: kind, Result: res})
	}
	return res
}

// record appends an event when an event log is configured. Failures are
// logged, never returned.
func (e *Engine) record(ctx context.Context, typ store.EventType, subject store.EventSubject, payload any) {
	if e.deps.Events == nil {
		return
	}
	evt, err := newEvent(typ, e.deps.Origin, subject, payload)
	if err == nil {
		err = e.deps.Events.AppendEvent(ctx, evt)
	}
	if err != nil {
		e.logger.Error("failed to record event", "type", typ, "error", err)
	}
}
