// Package sqlite provides the batteries-included durable backend for the
// engine: instance records, the pending-event mailbox, and the history
// journal live in one SQLite database. The tick queue table is owned by the
// sqlite scheduler and shares the same database handle.
package sqlite

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. Use ":memory:" for an in-memory database
// or a file path for persistent storage.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	newState func() any
}

// Option configures a Store.
type Option func(*Store)

// WithStateFactory supplies a constructor for the domain state so Load can
// decode the JSON payload into the caller's type instead of a generic map.
func WithStateFactory(f func() any) Option {
	return func(s *Store) { s.newState = f }
}

// Open opens (creating if needed) the database and initializes the schema.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		flow_id TEXT NOT NULL,
		instance_id TEXT NOT NULL PRIMARY KEY,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		state BLOB,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instances_flow ON instances(flow_id, status);

	CREATE TABLE IF NOT EXISTS pending_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		flow_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_events_instance ON pending_events(flow_id, instance_id);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		flow_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		stage TEXT,
		from_stage TEXT,
		to_stage TEXT,
		from_status TEXT,
		to_status TEXT,
		event TEXT,
		error_type TEXT,
		error_message TEXT,
		error_stack TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_instance ON history(flow_id, instance_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle so the sqlite tick scheduler can share
// the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
