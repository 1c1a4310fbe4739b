// Package queuestore reads and trims the pile-up queue kept in the shared
// SQLite database of the web front-end. The schema matches the tables the
// front-end creates, so both processes can work on the same file.
package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNoFetchConfig is returned when qrz_config holds no usable row.
	ErrNoFetchConfig = errors.New("queuestore: no qrz_config row")
	// ErrNoFreePosition is returned when every queue slot is taken.
	ErrNoFreePosition = errors.New("queuestore: all queue positions are taken")

	errStoreClosed = errors.New("queuestore: store is closed")
)

// DefaultMaxPositions is the number of queue slots the front-end offers.
const DefaultMaxPositions = 6

// Entry is one queued station (a callsign_entry row).
type Entry struct {
	ID        int64
	Position  int
	Callsign  string
	Location  string
	Comment   string
	EnteredAt time.Time // UTC
}

// FetchConfig holds the logbook credentials (the newest qrz_config row).
type FetchConfig struct {
	Callsign  string
	APIKey    string
	UpdatedAt time.Time
}

// Options tunes how the database is opened.
type Options struct {
	BusyTimeout  time.Duration
	MaxPositions int
}

// Store owns the database handle. Work happens on Sessions obtained with
// Acquire; a Session pins one connection and must be closed before the caller
// does network I/O or sleeps.
type Store struct {
	db           *sql.DB
	path         string
	busyTimeout  time.Duration
	maxPositions int

	mu     sync.Mutex
	closed bool
}

// Purpose: Open or create the queue database and ensure the schema exists.
// Key aspects: Applies WAL + busy_timeout pragmas so the front-end and the
// engine can share the file; connections are capped at one per Session.
// Upstream: main startup, cmd/qrzcheck, tests.
// Downstream: initSchema.
func Open(path string, opts Options) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("queuestore: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queuestore: ensure dir: %w", err)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxPositions <= 0 {
		opts.MaxPositions = DefaultMaxPositions
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queuestore: open: %w", err)
	}
	// Each loop acquires its own connection; the control endpoint may add a
	// third. SQLite serializes writers through busy_timeout.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	s := &Store{db: db, path: path, busyTimeout: opts.BusyTimeout, maxPositions: opts.MaxPositions}
	ctx, cancel := context.WithTimeout(context.Background(), 2*opts.BusyTimeout)
	defer cancel()
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("queuestore: connect: %w", err)
	}
	defer conn.Close()
	if err := s.applyPragmas(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "pragma journal_mode=WAL"); err != nil {
		return fmt.Errorf("queuestore: enable WAL: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS callsign_entry (
    id INTEGER NOT NULL PRIMARY KEY,
    position INTEGER NOT NULL UNIQUE,
    callsign VARCHAR(20) NOT NULL,
    location VARCHAR(100),
    comment TEXT,
    entered_at DATETIME
);
CREATE TABLE IF NOT EXISTS qrz_config (
    id INTEGER NOT NULL PRIMARY KEY,
    callsign VARCHAR(20) NOT NULL,
    api_key VARCHAR(100) NOT NULL,
    updated_at DATETIME
);`
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("queuestore: init schema: %w", err)
	}
	return nil
}

func (s *Store) applyPragmas(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", s.busyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("queuestore: set busy_timeout: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Acquire pins a dedicated connection for one phase of work.
func (s *Store) Acquire(ctx context.Context) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errStoreClosed
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errStoreClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("queuestore: acquire connection: %w", err)
	}
	if err := s.applyPragmas(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{conn: conn, maxPositions: s.maxPositions}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
