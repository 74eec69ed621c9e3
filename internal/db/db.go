// Package db persists child lifecycle events to a SQLite database so restarts
// and crashes can be inspected after the fact, across proxy runs.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection holding the lifecycle event log.
type DB struct {
	conn *sql.DB
	path string
}

// Event is one recorded lifecycle event.
type Event struct {
	ID        int64
	Session   string
	EventType string
	Details   string
	Timestamp time.Time
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps writers from blocking the occasional reader (the events CLI).
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_session
		ON lifecycle_events(session);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// LogEvent appends one lifecycle event. The proxy treats event logging as
// best-effort; callers log and drop the error rather than failing the
// operation that produced the event.
func (db *DB) LogEvent(session, eventType, details string) error {
	_, err := db.conn.Exec(
		"INSERT INTO lifecycle_events (session, event_type, details) VALUES (?, ?, ?)",
		session, eventType, details,
	)
	return err
}

// RecentEvents returns the most recent events, newest first.
func (db *DB) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		"SELECT id, session, event_type, COALESCE(details, ''), timestamp FROM lifecycle_events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Session, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsForSession returns events for one proxy run, oldest first.
func (db *DB) EventsForSession(session string) ([]Event, error) {
	rows, err := db.conn.Query(
		"SELECT id, session, event_type, COALESCE(details, ''), timestamp FROM lifecycle_events WHERE session = ? ORDER BY id ASC",
		session,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Session, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
