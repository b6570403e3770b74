package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/store"
)

// MatrixProjection is the read model of the matrix, folded from
// changes_applied and matrix_replaced events.
type MatrixProjection struct {
	mu          sync.RWMutex
	matrix      *matrix.Matrix
	lastEventID string
	lastIngest  time.Time
}

// NewMatrixProjection creates an empty projection.
func NewMatrixProjection() *MatrixProjection {
	return &MatrixProjection{matrix: matrix.New()}
}

// Apply folds a single event. Other event types are ignored.
func (p *MatrixProjection) Apply(event store.Event) error {
	switch event.EventType {
	case store.EventTypeChangesApplied:
		var payload ChangesAppliedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal payload for event %s: %w", event.EventID, err)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.matrix.Apply(payload.Changes)
	case store.EventTypeMatrixReplaced:
		var payload MatrixReplacedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal payload for event %s: %w", event.EventID, err)
		}
		if payload.Matrix == nil {
			payload.Matrix = matrix.New()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.matrix = payload.Matrix
	default:
		return nil
	}
	p.lastEventID = string(event.EventID)
	p.lastIngest = event.TsIngest
	return nil
}

// Replay rebuilds the projection from a slice of events
func (p *MatrixProjection) Replay(events []*store.Event) error {
	for _, event := range events {
		if event == nil {
			continue
		}
		if err := p.Apply(*event); err != nil {
			return err
		}
	}
	return nil
}

// Matrix returns a copy of the current matrix.
func (p *MatrixProjection) Matrix() *matrix.Matrix {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.matrix.Clone()
}

// GetState returns the checkpoint and a copy of the matrix for snapshotting.
func (p *MatrixProjection) GetState() (string, time.Time, *matrix.Matrix) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastEventID, p.lastIngest, p.matrix.Clone()
}

// LoadState restores the projection from a snapshot.
func (p *MatrixProjection) LoadState(lastEventID string, lastIngest time.Time, m *matrix.Matrix) {
	if m == nil {
		m = matrix.New()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matrix = m.Clone()
	p.lastEventID = lastEventID
	p.lastIngest = lastIngest
}

// EventStore is a matrix.Store backed by the sqlite event log. Every Set
// appends the difference as an event and folds it into the projection.
type EventStore struct {
	log    *store.Store
	proj   *MatrixProjection
	origin string

	mu sync.Mutex
}

// NewEventStore creates an event-sourced matrix store. The projection
// should already be restored (see RestoreMatrix).
func NewEventStore(log *store.Store, proj *MatrixProjection, origin string) *EventStore {
	if proj == nil {
		proj = NewMatrixProjection()
	}
	return &EventStore{log: log, proj: proj, origin: origin}
}

// Projection returns the read model the store writes through.
func (s *EventStore) Projection() *MatrixProjection {
	return s.proj
}

func (s *EventStore) Get(ctx context.Context) (*matrix.Matrix, error) {
	return s.proj.Matrix(), nil
}

// Set appends changes_applied, or matrix_replaced when tasks disappear.
// Setting an identical matrix appends nothing.
func (s *EventStore) Set(ctx context.Context, m *matrix.Matrix) error {
	if m == nil {
		m = matrix.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changes, removed := matrix.Diff(s.proj.Matrix(), m)
	var (
		evt *store.Event
		err error
	)
	switch {
	case removed:
		evt, err = newEvent(store.EventTypeMatrixReplaced, s.origin, store.EventSubject{}, MatrixReplacedPayload{Matrix: m.Clone()})
	case len(changes) > 0:
		evt, err = newEvent(store.EventTypeChangesApplied, s.origin, subjectOf(changes), ChangesAppliedPayload{Changes: changes})
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.log.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("failed to record matrix change: %w", err)
	}
	return s.proj.Apply(*evt)
}

// subjectOf names the task (and role) when every change touches the same one.
func subjectOf(changes []matrix.Change) store.EventSubject {
	if len(changes) == 0 {
		return store.EventSubject{}
	}
	subj := store.EventSubject{Task: changes[0].Task, Role: changes[0].Role}
	for _, c := range changes[1:] {
		if c.Task != subj.Task {
			return store.EventSubject{}
		}
		if c.Role != subj.Role {
			subj.Role = ""
		}
	}
	return subj
}

const replayBatch = 1000

// RestoreMatrix loads the latest snapshot into proj and replays the events
// written after it.
func RestoreMatrix(ctx context.Context, st *store.Store, proj *MatrixProjection) (int, error) {
	since, err := LoadLatestSnapshot(ctx, st, proj)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for {
		events, err := st.ReadEvents(ctx, since, replayBatch)
		if err != nil {
			return replayed, fmt.Errorf("failed to read events: %w", err)
		}
		if err := proj.Replay(events); err != nil {
			return replayed, err
		}
		replayed += len(events)
		if len(events) < replayBatch {
			return replayed, nil
		}
		since = events[len(events)-1].TsIngest
	}
}
