// Package store encapsulates the relational schema backing the directory
// and relay engine: identities, their prekey pools, and the offline
// delivery queue. The store is single-writer: Open limits the pool to one
// connection, so statements from concurrent callers run one at a time.
// Multi-statement mutations run in one short, synchronous *sql.Tx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/averithefox/e2ee/internal/telemetry"
)

var (
	// ErrNotFound is returned when a lookup by handle or id matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert would violate a uniqueness
	// constraint (handle collision).
	ErrConflict = errors.New("store: conflict")
	// ErrDB wraps any other failure surfaced by the underlying driver.
	ErrDB = errors.New("store: db error")
)

// Store is the durable backing for identities, prekey pools, and the
// offline queue, over a single SQLite file.
type Store struct {
	db  *sql.DB
	log logEntry
}

// logEntry is the narrow slice of *logrus.Entry this package actually
// calls, so tests can swap in a no-op without importing logrus.
type logEntry interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Open opens (creating if necessary) the SQLite database at dsn and
// ensures the schema exists. dsn may be a file path or ":memory:".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrDB, dsn, err)
	}
	// SQLite has a single writer; serialize on one connection so busy/locked
	// errors never surface from this process's own concurrent use.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: telemetry.For(telemetry.ComponentStore)}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			handle TEXT NOT NULL UNIQUE,
			ik BLOB NOT NULL,
			spk BLOB,
			spk_id INTEGER,
			spk_sig BLOB,
			pqspk BLOB,
			pqspk_id INTEGER,
			pqspk_sig BLOB,
			notified_low_prekeys INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS opks (
			uid INTEGER PRIMARY KEY AUTOINCREMENT,
			id INTEGER NOT NULL,
			"for" INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			key BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opks_for ON opks("for")`,
		`CREATE TABLE IF NOT EXISTS pqopks (
			uid INTEGER PRIMARY KEY AUTOINCREMENT,
			id INTEGER NOT NULL,
			"for" INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			key BLOB NOT NULL,
			sig BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pqopks_for ON pqopks("for")`,
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			"for" INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			msg BLOB NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_for ON queue("for", created_at, id)`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin schema tx: %v", ErrDB, err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", ErrDB, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit schema tx: %v", ErrDB, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
