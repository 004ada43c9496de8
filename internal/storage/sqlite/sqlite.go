// Package sqlite persists per-entity event logs in a local SQLite database.
// The persisted log is an optimization for warm starts; the relay remains
// the source of truth.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/puzzleshare/gridsync/internal/event"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a store at the given path. ":memory:" creates an in-memory
// database, useful in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// GetDB returns the underlying SQL database.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// initSchema creates the tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			entity_id  TEXT NOT NULL,
			event_id   TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			body       BLOB NOT NULL,
			PRIMARY KEY (entity_id, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON events(entity_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendEvents persists canonical events for an entity in one transaction.
// Re-appending an already-persisted event id is a no-op.
func (s *Store) AppendEvents(ctx context.Context, entityID string, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (entity_id, event_id, event_type, timestamp, body)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(entity_id, event_id) DO NOTHING
		`, entityID, ev.ID, ev.Type, int64(ev.Timestamp), body)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// ListEvents returns every persisted event for an entity in timestamp order,
// event id breaking ties. A missing entity yields an empty slice.
func (s *Store) ListEvents(ctx context.Context, entityID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM events
		WHERE entity_id = ?
		ORDER BY timestamp ASC, event_id ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEntity removes an entity's log entirely.
func (s *Store) DeleteEntity(ctx context.Context, entityID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE entity_id = ?", entityID)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", entityID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
