package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveSnapshot stores a matrix snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, schema_version, ts_snapshot, last_event_id, payload)
		VALUES (?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.SchemaVersion, snap.TsSnapshot.UTC(), string(snap.LastEventID), string(snap.Payload))
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.SnapshotID, err)
	}
	return nil
}

// GetLatestSnapshot returns the newest snapshot, or nil if none exists.
func (s *Store) GetLatestSnapshot(ctx context.Context) (*Snapshot, error) {
	var (
		snap         Snapshot
		lastID, data string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, schema_version, ts_snapshot, last_event_id, payload
		FROM snapshots ORDER BY ts_snapshot DESC, rowid DESC LIMIT 1`).
		Scan(&snap.SnapshotID, &snap.SchemaVersion, &snap.TsSnapshot, &lastID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	snap.TsSnapshot = snap.TsSnapshot.UTC()
	snap.LastEventID = EventID(lastID)
	snap.Payload = json.RawMessage(data)
	return &snap, nil
}

// GetLatestSnapshotTime returns the time of the newest snapshot, or the zero
// time if none exists.
func (s *Store) GetLatestSnapshotTime(ctx context.Context) (time.Time, error) {
	snap, err := s.GetLatestSnapshot(ctx)
	if err != nil || snap == nil {
		return time.Time{}, err
	}
	return snap.TsSnapshot, nil
}

// GetSystemState returns a stored value. Unset keys return ErrNotFound.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("system state %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read system state %s: %w", key, err)
	}
	return value, nil
}

// SetSystemState upserts a value.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write system state %s: %w", key, err)
	}
	return nil
}

// RegisterWebhook stores a webhook registration.
func (s *Store) RegisterWebhook(ctx context.Context, cfg *WebhookConfig) error {
	events, err := json.Marshal(cfg.Events)
	if err != nil {
		return fmt.Errorf("failed to encode webhook events: %w", err)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (webhook_id, url, secret, events, created_at, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.WebhookID, cfg.URL, cfg.Secret, string(events), cfg.CreatedAt.UTC(), cfg.Active)
	if err != nil {
		return fmt.Errorf("failed to register webhook %s: %w", cfg.WebhookID, err)
	}
	return nil
}

// ListWebhooks returns the active webhooks, oldest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]*WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT webhook_id, url, secret, events, created_at, active
		FROM webhooks WHERE active = 1 ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*WebhookConfig
	for rows.Next() {
		var (
			wh     WebhookConfig
			events string
		)
		if err := rows.Scan(&wh.WebhookID, &wh.URL, &wh.Secret, &events, &wh.CreatedAt, &wh.Active); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &wh.Events); err != nil {
			return nil, fmt.Errorf("failed to decode webhook events: %w", err)
		}
		wh.CreatedAt = wh.CreatedAt.UTC()
		out = append(out, &wh)
	}
	return out, rows.Err()
}

// DeleteWebhook removes a webhook. Unknown IDs return ErrNotFound.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE webhook_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete webhook %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}
