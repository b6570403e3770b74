package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/raciflow/pkg/blob"
	"github.com/rmax-ai/raciflow/pkg/store"
)

// ArchiveConfig holds configuration for the ArchiveWorker.
type ArchiveConfig struct {
	Enabled       bool          `json:"enabled"`
	Retention     time.Duration `json:"retention"`
	BatchSize     int           `json:"batch_size"`
	CheckInterval time.Duration `json:"check_interval"`
}

// ArchiveWorker moves old events to blob storage as gzipped JSON lines.
// Only events already covered by a matrix snapshot are archived, so a
// restart can still rebuild the matrix.
type ArchiveWorker struct {
	store     *store.Store
	blobStore blob.BlobStore
	config    ArchiveConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiveWorker creates a new ArchiveWorker.
func NewArchiveWorker(st *store.Store, blobStore blob.BlobStore, config ArchiveConfig, logger *slog.Logger) *ArchiveWorker {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveWorker{
		store:     st,
		blobStore: blobStore,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the archive worker loop.
func (w *ArchiveWorker) Run(ctx context.Context) {
	if !w.config.Enabled {
		w.logger.Info("archive_disabled")
		return
	}
	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	w.logger.Info("archive_worker_started", "retention", w.config.Retention, "interval", w.config.CheckInterval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("archive_worker_stopped")
			return
		case <-ticker.C:
			n, err := w.processBatch(ctx)
			if err != nil {
				w.logger.Error("archive_batch_failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("archive_batch_written", "events", n)
			}
		}
	}
}

// processBatch archives one batch and returns how many events it moved.
func (w *ArchiveWorker) processBatch(ctx context.Context) (int, error) {
	_, checkpoint, err := latestCheckpoint(ctx, w.store)
	if err != nil {
		return 0, err
	}
	if checkpoint == nil {
		return 0, nil
	}

	cutoff := w.now().Add(-w.config.Retention)
	if checkpoint.LastIngest.Before(cutoff) {
		cutoff = checkpoint.LastIngest
	}

	events, err := w.store.ReadCandidateEvents(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read candidate events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	encoder := json.NewEncoder(gzWriter)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			gzWriter.Close()
			return 0, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
		}
	}
	if err := gzWriter.Close(); err != nil {
		return 0, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	// events/YYYY/MM/DD/<first>_<last>_<uuid>.jsonl.gz
	first, last := events[0], events[len(events)-1]
	year, month, day := first.TsIngest.Date()
	key := fmt.Sprintf("events/%04d/%02d/%02d/%d_%d_%s.jsonl.gz",
		year, month, day,
		first.TsIngest.Unix(),
		last.TsIngest.Unix(),
		uuid.NewString(),
	)
	if err := w.blobStore.Put(ctx, key, &buf); err != nil {
		return 0, fmt.Errorf("failed to upload archive to blob store: %w", err)
	}

	ids := make([]store.EventID, len(events))
	for i, event := range events {
		ids[i] = event.EventID
	}
	if err := w.store.DeleteEvents(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete archived events: %w", err)
	}

	EventsArchived.Add(float64(len(events)))
	return len(events), nil
}
