package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	// The canonical envelope fields are columns for querying; the payload
	// is kept as a JSON blob.
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		ts_event DATETIME NOT NULL,
		ts_ingest DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

		-- Source metadata
		origin_kind TEXT,
		origin_id TEXT,
		writer_id TEXT,

		-- Subject
		task TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		node_id TEXT NOT NULL DEFAULT '',

		-- Correlation
		correlation_id TEXT,
		causation_id TEXT,

		payload JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_ts_ingest ON events(ts_ingest);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task);

	CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		ts_snapshot DATETIME NOT NULL,
		last_event_id TEXT NOT NULL,
		payload JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_snapshot);

	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		webhook_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events JSON NOT NULL,
		created_at DATETIME NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// AppendEvent writes an event to the log. Zero timestamps are filled in.
func (s *Store) AppendEvent(ctx context.Context, evt *Event) error {
	if evt.EventID == "" {
		return errors.New("event_id is required")
	}
	if evt.EventType == "" {
		return errors.New("event_type is required")
	}
	now := time.Now().UTC()
	if evt.TsEvent.IsZero() {
		evt.TsEvent = now
	}
	if evt.TsIngest.IsZero() {
		evt.TsIngest = now
	}
	if evt.SchemaVersion == 0 {
		evt.SchemaVersion = 1
	}
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			event_id, event_type, schema_version, ts_event, ts_ingest,
			origin_kind, origin_id, writer_id,
			task, role, node_id,
			correlation_id, causation_id, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(evt.EventID), string(evt.EventType), evt.SchemaVersion,
		evt.TsEvent.UTC(), evt.TsIngest.UTC(),
		evt.Source.OriginKind, evt.Source.OriginID, evt.Source.WriterID,
		evt.Subject.Task, evt.Subject.Role, evt.Subject.NodeID,
		evt.Correlation.CorrelationID, evt.Correlation.CausationID,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", evt.EventID, err)
	}
	return nil
}

const eventColumns = `event_id, event_type, schema_version, ts_event, ts_ingest,
	origin_kind, origin_id, writer_id, task, role, node_id,
	correlation_id, causation_id, payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		evt                          Event
		id, typ, payload             string
		originKind, originID, writer sql.NullString
		corrID, causeID              sql.NullString
	)
	if err := row.Scan(&id, &typ, &evt.SchemaVersion, &evt.TsEvent, &evt.TsIngest,
		&originKind, &originID, &writer,
		&evt.Subject.Task, &evt.Subject.Role, &evt.Subject.NodeID,
		&corrID, &causeID, &payload); err != nil {
		return nil, err
	}
	evt.EventID = EventID(id)
	evt.EventType = EventType(typ)
	evt.TsEvent = evt.TsEvent.UTC()
	evt.TsIngest = evt.TsIngest.UTC()
	evt.Source = EventSource{OriginKind: originKind.String, OriginID: originID.String, WriterID: writer.String}
	evt.Correlation = EventCorrelation{CorrelationID: corrID.String, CausationID: causeID.String}
	evt.Payload = json.RawMessage(payload)
	return &evt, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// GetEvent returns an event by ID, or nil if it does not exist.
func (s *Store) GetEvent(ctx context.Context, id EventID) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, string(id))
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return evt, nil
}

// ReadEvents returns events ingested after since, oldest first.
func (s *Store) ReadEvents(ctx context.Context, since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE ts_ingest > ? ORDER BY ts_ingest ASC, rowid ASC LIMIT ?`, since.UTC(), limit)
}

// ReadRecentEvents returns the newest events, newest first.
func (s *Store) ReadRecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		ORDER BY ts_ingest DESC, rowid DESC LIMIT ?`, limit)
}

// ReadCandidateEvents returns events ingested before cutoff, oldest first.
// The archive worker moves them to blob storage.
func (s *Store) ReadCandidateEvents(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE ts_ingest < ? ORDER BY ts_ingest ASC, rowid ASC LIMIT ?`, cutoff.UTC(), limit)
}

// QueryEvents returns events matching filter, oldest first.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if !filter.From.IsZero() {
		where = append(where, "ts_event >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "ts_event <= ?")
		args = append(args, filter.To.UTC())
	}
	if len(filter.EventTypes) > 0 {
		marks := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Task != "" {
		where = append(where, "task = ?")
		args = append(args, filter.Task)
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts_event ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// DeleteEvents removes events by ID in one transaction.
func (s *Store) DeleteEvents(ctx context.Context, ids []EventID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM events WHERE event_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, string(id)); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountEvents returns the number of events in the log.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
