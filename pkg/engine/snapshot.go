package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/store"
)

var errNothingToSnapshot = errors.New("no matrix events processed yet")

// SnapshotPayload defines the structure of the JSON blob stored in snapshots
type SnapshotPayload struct {
	Matrix     *matrix.Matrix `json:"matrix"`
	LastIngest time.Time      `json:"last_ingest"`
}

// SnapshotWorker periodically persists the matrix projection to the store
type SnapshotWorker struct {
	store    *store.Store
	matrix   *MatrixProjection
	interval time.Duration
	logger   *slog.Logger

	lastSaved string
}

// NewSnapshotWorker creates a new worker
func NewSnapshotWorker(st *store.Store, proj *MatrixProjection, interval time.Duration, logger *slog.Logger) *SnapshotWorker {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotWorker{
		store:    st,
		matrix:   proj,
		interval: interval,
		logger:   logger,
	}
}

// Run starts the snapshot loop
func (w *SnapshotWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("snapshot_worker_started", "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("snapshot_worker_stopped")
			return
		case <-ticker.C:
			err := w.TakeSnapshot(ctx)
			switch {
			case errors.Is(err, errNothingToSnapshot):
				w.logger.Debug("snapshot_skipped", "reason", err)
			case err != nil:
				w.logger.Error("snapshot_failed", "error", err)
			default:
				w.logger.Info("snapshot_created")
			}
		}
	}
}

// TakeSnapshot captures the current matrix and saves it to the store. It is
// a no-op when nothing changed since the last snapshot.
func (w *SnapshotWorker) TakeSnapshot(ctx context.Context) error {
	lastEventID, lastIngest, m := w.matrix.GetState()
	if lastEventID == "" {
		return errNothingToSnapshot
	}
	if lastEventID == w.lastSaved {
		return nil
	}

	payloadJSON, err := json.Marshal(SnapshotPayload{Matrix: m, LastIngest: lastIngest})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot payload: %w", err)
	}

	snap := &store.Snapshot{
		SnapshotID:    "snap_" + uuid.NewString(),
		SchemaVersion: 1,
		TsSnapshot:    time.Now().UTC(),
		LastEventID:   store.EventID(lastEventID),
		Payload:       payloadJSON,
	}
	if err := w.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("store save failed: %w", err)
	}
	w.lastSaved = lastEventID
	return nil
}

// latestCheckpoint returns the newest snapshot's payload, or nil if none.
func latestCheckpoint(ctx context.Context, st *store.Store) (*store.Snapshot, *SnapshotPayload, error) {
	snap, err := st.GetLatestSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	if snap == nil {
		return nil, nil, nil
	}
	var payload SnapshotPayload
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal snapshot payload: %w", err)
	}
	return snap, &payload, nil
}

// LoadLatestSnapshot restores proj from the newest snapshot and returns
// the ingest time of the last event it covers. Without a snapshot it
// returns the zero time, meaning a full replay is needed.
func LoadLatestSnapshot(ctx context.Context, st *store.Store, proj *MatrixProjection) (time.Time, error) {
	snap, payload, err := latestCheckpoint(ctx, st)
	if err != nil || snap == nil {
		return time.Time{}, err
	}
	proj.LoadState(string(snap.LastEventID), payload.LastIngest, payload.Matrix)
	return payload.LastIngest, nil
}
