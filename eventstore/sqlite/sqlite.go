// Package sqlite provides a durable eventstore.Store on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcp-examples/calculator-go/eventstore"
)

const replayPageSize = 256

// Store persists events in a table keyed by (stream_id, event_id). A second
// table holds each stream's last assigned id, which outlives swept events.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ eventstore.Store   = (*Store)(nil)
	_ eventstore.Sweeper = (*Store)(nil)
)

// Open creates or opens the database at path. ":memory:" yields a private
// in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create event store directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite event store: %w", err)
	}
	// One connection serializes writers and lets ":memory:" databases be
	// shared by every query.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			stream_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (stream_id, event_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);`,
		`CREATE TABLE IF NOT EXISTS streams (
			stream_id TEXT PRIMARY KEY,
			last_id INTEGER NOT NULL
		);`,
		// Databases written before the streams table existed.
		`INSERT OR IGNORE INTO streams (stream_id, last_id)
			SELECT stream_id, MAX(event_id) FROM events GROUP BY stream_id;`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize event store schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (int64, error) {
	if err := eventstore.ValidateStreamID(streamID); err != nil {
		return 0, err
	}
	if payload == nil {
		payload = []byte{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO streams (stream_id, last_id) VALUES (?, 1)
		ON CONFLICT (stream_id) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id`, streamID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("assign event id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (stream_id, event_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		streamID, id, payload, s.now().UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

// Replay implements eventstore.Store. Rows are read a page at a time and the
// cursor is closed before yielding, so callers may append while ranging.
func (s *Store) Replay(ctx context.Context, streamID string, after int64) iter.Seq2[eventstore.Event, error] {
	return func(yield func(eventstore.Event, error) bool) {
		cursor := max(after, 0)
		for {
			page, err := s.page(ctx, streamID, cursor)
			if err != nil {
				yield(eventstore.Event{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.ID
			}
			if len(page) < replayPageSize {
				return
			}
		}
	}
}

func (s *Store) page(ctx context.Context, streamID string, after int64) ([]eventstore.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, payload, created_at FROM events
		WHERE stream_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?`, streamID, after, replayPageSize)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Event
	for rows.Next() {
		var (
			ev      eventstore.Event
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.StreamID = streamID
		ev.Timestamp = time.Unix(0, created)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	return out, nil
}

// Exists implements eventstore.Store.
func (s *Store) Exists(ctx context.Context, streamID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM streams WHERE stream_id = ?`, streamID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup stream: %w", err)
	}
	return true, nil
}

// Purge implements eventstore.Store.
func (s *Store) Purge(ctx context.Context, streamID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("purge stream: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE stream_id = ?`, streamID); err != nil {
		return fmt.Errorf("purge stream: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE stream_id = ?`, streamID); err != nil {
		return fmt.Errorf("purge stream: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("purge stream: %w", err)
	}
	return nil
}

// Sweep implements eventstore.Sweeper.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep events: %w", err)
	}
	return int(n), nil
}
