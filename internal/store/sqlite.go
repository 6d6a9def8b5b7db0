// ABOUTME: SQLite implementation of the Store interfaces using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates the schema on first use

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Concurrent turns write from many goroutines
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			error TEXT,
			currency TEXT NOT NULL,
			balance_before INTEGER NOT NULL,
			balance_after INTEGER,
			delta INTEGER,
			display_delta REAL,
			display_unit TEXT,
			added_tools TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session_created
			ON turns(session_id, created_at);

		CREATE TABLE IF NOT EXISTS acquisitions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			uri TEXT NOT NULL,
			identifier TEXT,
			source_path TEXT,
			stage TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL,

			CHECK (stage IN ('done', 'input', 'resolve', 'synthesize', 'load'))
		);

		CREATE INDEX IF NOT EXISTS idx_acquisitions_session
			ON acquisitions(session_id, created_at);

		CREATE TABLE IF NOT EXISTS l402_credentials (
			key TEXT PRIMARY KEY,
			macaroon TEXT NOT NULL,
			preimage TEXT NOT NULL,
			invoice TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_token_usage_turn ON token_usage(turn_id);
		CREATE INDEX IF NOT EXISTS idx_token_usage_session ON token_usage(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)

// timestampLayout is fixed-width so that lexical order matches time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
