package buffer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// State of the flush state machine.
type State int

const (
	StateInactive State = iota
	StateBuffering
	StateFlush
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateBuffering:
		return "BUFFERING"
	case StateFlush:
		return "FLUSH"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "INACTIVE":
		*s = StateInactive
	case "BUFFERING":
		*s = StateBuffering
	case "FLUSH":
		*s = StateFlush
	default:
		return fmt.Errorf("unknown buffer state %q", text)
	}
	return nil
}

const (
	// DefaultCapacity bounds the number of pending changes.
	DefaultCapacity = 100
	// DefaultDelay is the debounce window for bursts of edits.
	DefaultDelay = 300 * time.Millisecond

	flushKey = "buffer.flush"
)

// FlushFunc receives the matrix right after buffered changes were applied.
type FlushFunc func(ctx context.Context, m *matrix.Matrix) error

// Outcome describes one trigger.
type Outcome struct {
	State      State             `json:"state"`
	Validation validation.Result `json:"validation"`
	Applied    int               `json:"applied"`
	Flushed    bool              `json:"flushed"`
	Forced     bool              `json:"forced,omitempty"`
	Queued     bool              `json:"queued,omitempty"`
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithCapacity sets the pending change cap.
func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithDelay sets the debounce window.
func WithDelay(d time.Duration) Option {
	return func(b *Buffer) {
		if d >= 0 {
			b.delay = d
		}
	}
}

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(b *Buffer) {
		if s != nil {
			b.scheduler = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBaseContext sets the context used by debounced triggers.
func WithBaseContext(ctx context.Context) Option {
	return func(b *Buffer) {
		if ctx != nil {
			b.baseCtx = ctx
		}
	}
}

// WithOutcomeHandler registers a callback run after every pass, including
// debounced and queued ones that have no caller to return to.
func WithOutcomeHandler(fn func(Outcome)) Option {
	return func(b *Buffer) {
		b.onOutcome = fn
	}
}

// Buffer defers matrix edits while the matrix would be invalid and hands
// valid matrices to a FlushFunc, one pass at a time.
type Buffer struct {
	store     matrix.Store
	validator *validation.Validator
	flush     FlushFunc
	scheduler Scheduler
	capacity  int
	delay     time.Duration
	logger    *slog.Logger
	baseCtx   context.Context
	onOutcome func(Outcome)
	// ownTimers is set when New created the scheduler.
	ownTimers *TimerScheduler

	mu          sync.Mutex
	pending     []matrix.Change
	state       State
	running     bool
	queued      bool
	queuedForce bool
	dropped     int
	closed      bool
}

// New creates a buffer over store. A nil validator accepts every matrix.
func New(store matrix.Store, v *validation.Validator, flush FlushFunc, opts ...Option) *Buffer {
	b := &Buffer{
		store:     store,
		validator: v,
		flush:     flush,
		capacity:  DefaultCapacity,
		delay:     DefaultDelay,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.scheduler == nil {
		b.ownTimers = NewTimerScheduler()
		b.scheduler = b.ownTimers
	}
	return b
}

// Close cancels the pending debounce and stops the scheduler New created.
// Edits added afterwards stay buffered until an explicit Trigger.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.scheduler.Cancel(flushKey)
	if b.ownTimers != nil {
		b.ownTimers.Stop()
	}
}

// AddChange upserts a pending edit keyed by (task, role) and restarts the
// debounce window.
func (b *Buffer) AddChange(task, role string, cell matrix.Cell) {
	b.mu.Lock()
	b.upsertLocked(matrix.Change{Task: task, Role: role, Cell: cell})
	if b.state == StateInactive {
		b.state = StateBuffering
	}
	depth := len(b.pending)
	closed := b.closed
	b.mu.Unlock()

	b.logger.Debug("change buffered", "task", task, "role", role, "cell", cell.String(), "pending", depth)
	if closed {
		return
	}
	b.scheduler.SubmitCoalesced(flushKey, b.debounced, b.delay)
}

func (b *Buffer) upsertLocked(c matrix.Change) {
	for i, p := range b.pending {
		if p.Task == c.Task && p.Role == c.Role {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	b.pending = append(b.pending, c)

	if over := len(b.pending) - b.capacity; over > 0 {
		b.logger.Warn("change buffer full, dropping oldest", "dropped", over, "capacity", b.capacity)
		b.pending = append([]matrix.Change(nil), b.pending[over:]...)
		b.dropped += over
	}
}

func (b *Buffer) debounced() {
	if _, err := b.Trigger(b.baseCtx, false); err != nil {
		b.logger.Error("debounced flush failed", "error", err)
	}
}

// Trigger validates the matrix with pending changes applied. Valid (or
// forced) matrices are stored and flushed exactly once; invalid ones leave
// the changes buffered. A trigger during an in-flight pass is queued and
// runs right after it on the same goroutine.
func (b *Buffer) Trigger(ctx context.Context, force bool) (Outcome, error) {
	b.scheduler.Cancel(flushKey)

	b.mu.Lock()
	if b.running {
		b.queued = true
		b.queuedForce = b.queuedForce || force
		state := b.state
		b.mu.Unlock()
		b.logger.Debug("trigger queued behind in-flight pass", "force", force)
		return Outcome{State: state, Queued: true, Forced: force}, nil
	}
	b.running = true
	b.mu.Unlock()

	out, err := b.pass(ctx, force)

	for {
		b.mu.Lock()
		if !b.queued {
			b.running = false
			b.mu.Unlock()
			break
		}
		queuedForce := b.queuedForce
		b.queued, b.queuedForce = false, false
		b.mu.Unlock()

		if _, qerr := b.pass(ctx, queuedForce); qerr != nil {
			b.logger.Error("queued flush failed", "error", qerr)
		}
	}

	return out, err
}

func (b *Buffer) pass(ctx context.Context, force bool) (Outcome, error) {
	current, err := b.store.Get(ctx)
	if err != nil {
		return Outcome{State: b.State(), Forced: force}, fmt.Errorf("failed to load matrix: %w", err)
	}

	b.mu.Lock()
	changes := make([]matrix.Change, len(b.pending))
	copy(changes, b.pending)
	b.mu.Unlock()

	tentative := current.Clone()
	tentative.Apply(changes)

	out := Outcome{Forced: force, Validation: validation.Result{IsValid: true}}
	if b.validator != nil {
		out.Validation = b.validator.Validate(tentative)
	}

	if !out.Validation.IsValid && !force {
		out.State = b.settle()
		b.logger.Info("flush deferred, matrix invalid",
			"errors", len(out.Validation.Errors), "pending", len(changes))
		b.notify(out)
		return out, nil
	}

	// From here on the pass outlives its caller: store and flush both run.
	ctx = context.WithoutCancel(ctx)

	b.mu.Lock()
	b.state = StateFlush
	b.mu.Unlock()

	if err := b.store.Set(ctx, tentative); err != nil {
		out.State = b.settle()
		b.notify(out)
		return out, fmt.Errorf("failed to apply buffered changes: %w", err)
	}

	b.mu.Lock()
	b.pending = withoutApplied(b.pending, changes)
	b.mu.Unlock()
	out.Applied = len(changes)

	var flushErr error
	if b.flush != nil {
		flushErr = b.flush(ctx, tentative)
	}
	out.Flushed = true
	out.State = b.settle()

	b.logger.Info("buffer flushed", "applied", out.Applied, "forced", force, "valid", out.Validation.IsValid)
	b.notify(out)

	if flushErr != nil {
		return out, fmt.Errorf("flush failed: %w", flushErr)
	}
	return out, nil
}

// settle leaves FLUSH: BUFFERING while edits remain, INACTIVE otherwise.
func (b *Buffer) settle() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.state = StateBuffering
	} else {
		b.state = StateInactive
	}
	return b.state
}

func (b *Buffer) notify(out Outcome) {
	if b.onOutcome != nil {
		b.onOutcome(out)
	}
}

// withoutApplied drops applied changes from pending. Edits that arrived or
// changed during the pass differ from their applied version and survive.
func withoutApplied(pending, applied []matrix.Change) []matrix.Change {
	done := make(map[matrix.Change]struct{}, len(applied))
	for _, c := range applied {
		done[c] = struct{}{}
	}
	out := pending[:0]
	for _, c := range pending {
		if _, ok := done[c]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// State returns the current state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending returns a copy of the pending changes, oldest first.
func (b *Buffer) Pending() []matrix.Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]matrix.Change, len(b.pending))
	copy(out, b.pending)
	return out
}

// Dropped returns how many changes were evicted by the capacity bound.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Preview returns the matrix as it would look after a flush, and its
// validation result.
func (b *Buffer) Preview(ctx context.Context) (*matrix.Matrix, validation.Result, error) {
	current, err := b.store.Get(ctx)
	if err != nil {
		return nil, validation.Result{}, fmt.Errorf("failed to load matrix: %w", err)
	}
	tentative := current.Clone()
	tentative.Apply(b.Pending())
	res := validation.Result{IsValid: true, Errors: []validation.Issue{}, Warnings: []validation.Issue{}}
	if b.validator != nil {
		res = b.validator.Validate(tentative)
	}
	return tentative, res, nil
}
