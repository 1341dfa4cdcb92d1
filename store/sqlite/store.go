package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/lifecycle"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/task"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ introq.Storer   = (*Store)(nil)
	_ event.Store     = (*Store)(nil)
	_ task.Store      = (*Store)(nil)
	_ dlq.Store       = (*Store)(nil)
	_ audit.Store     = (*Store)(nil)
	_ credit.Store    = (*Store)(nil)
	_ priority.Store  = (*Store)(nil)
	_ lifecycle.Store = (*Store)(nil)
)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// shared marks a caller-owned handle that Close must not close.
	shared bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens a SQLite database at dsn and wraps it in a Store. Use ":memory:"
// for an ephemeral database. The Store owns the handle; Close closes it.
func New(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: open %q: %w", dsn, err)
	}

	// SQLite allows a single writer; a pool of one avoids SQLITE_BUSY and
	// keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromDB wraps an existing database handle. The caller owns the handle;
// Close becomes a no-op.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		shared: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies all pending schema migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS introq_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("introq/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM introq_migrations WHERE name = ?)`,
			m.name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("introq/sqlite: check migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("introq/sqlite: begin migration %s: %w", m.name, txErr)
		}
		for _, stmt := range m.stmts {
			if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
				_ = tx.Rollback()
				return fmt.Errorf("introq/sqlite: execute migration %s: %w", m.name, execErr)
			}
		}
		if _, recErr := tx.ExecContext(ctx,
			`INSERT INTO introq_migrations (name) VALUES (?)`, m.name,
		); recErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("introq/sqlite: record migration %s: %w", m.name, recErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("introq/sqlite: commit migration %s: %w", m.name, commitErr)
		}

		s.logger.Info("applied migration", "name", m.name)
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle unless it is caller-owned.
func (s *Store) Close() error {
	if s.shared {
		return nil
	}
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
