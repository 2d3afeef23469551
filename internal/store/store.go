// Package store owns the embedded SQLite database: opening, schema
// migrations, and liveness checks. All persistent entities live in this
// single file so the pool survives process restarts.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite handle shared by the registries.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if missing) the database file and applies pending
// migrations. WAL keeps readers unblocked while a writer commits; the busy
// timeout covers short writer contention instead of surfacing SQLITE_BUSY.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s: %w", path, err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("store opened", "path", path)
	return s, nil
}

// migrate applies embedded goose migrations. New columns are added by later
// migration files, so older database files are upgraded in place on startup.
func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrations failed: %w", err)
	}
	return nil
}

// DB exposes the underlying sqlx handle to the registries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies the database file is still reachable and writable enough to
// answer a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("store: ping failed: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close failed: %w", err)
	}
	s.logger.Info("store closed")
	return nil
}
