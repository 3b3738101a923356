// Package backlog implements the durable feature store: features with
// dependency edges, test-run history, agent memories, schedules, and
// settings, all in one SQLite file per project.
package backlog

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codefleet/foreman/internal/logging"
)

// DefaultMaxDependencies bounds the edge count per feature.
const DefaultMaxDependencies = 20

// lockWaitMS is how long a writer waits for the database lock before the
// operation fails with ErrBusy.
const lockWaitMS = 30000

// Options tunes a Store.
type Options struct {
	// MaxDependencies overrides DefaultMaxDependencies when > 0.
	MaxDependencies int
	// ForceRollbackJournal skips network-filesystem detection and always
	// uses a rollback journal. Used by tests.
	ForceRollbackJournal bool
}

// Store is the project backlog database.
type Store struct {
	db      *sql.DB
	path    string
	maxDeps int
}

// Open opens (or creates) the backlog database at path and applies
// migrations. Use ":memory:" for an ephemeral store in tests.
//
// The journal mode is write-ahead on local filesystems and a plain
// rollback journal when the file sits on a network mount, where WAL
// semantics are unreliable.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	maxDeps := opts.MaxDependencies
	if maxDeps <= 0 {
		maxDeps = DefaultMaxDependencies
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single pooled connection keeps session pragmas in force and
	// serializes in-process writers the same way the file lock
	// serializes cross-process ones.
	db.SetMaxOpenConns(1)

	journalMode := "WAL"
	if opts.ForceRollbackJournal || (path != ":memory:" && DetectNetworkFS(filepath.Dir(path))) {
		journalMode = "DELETE"
	}

	pragmas := fmt.Sprintf(
		"PRAGMA journal_mode=%s; PRAGMA busy_timeout=%d; PRAGMA foreign_keys=ON;",
		journalMode, lockWaitMS,
	)
	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}

	s := &Store{db: db, path: path, maxDeps: maxDeps}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("backlog store migration failed: %w", err)
	}

	logging.WithComponent("backlog").Info("backlog store opened",
		"path", path,
		"journal_mode", journalMode,
		"max_dependencies", maxDeps,
	)

	return s, nil
}

// dsn builds the driver DSN. _txlock=immediate makes every transaction
// acquire the write lock up front, so validation reads see the same
// snapshot the commit will write.
func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?_txlock=immediate"
	}
	return "file:" + path + "?_txlock=immediate"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// MaxDependencies returns the per-feature edge limit.
func (s *Store) MaxDependencies() int {
	return s.maxDeps
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS features (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			priority INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			steps TEXT NOT NULL DEFAULT '[]',
			passes INTEGER NOT NULL DEFAULT 0,
			in_progress INTEGER NOT NULL DEFAULT 0,
			review_status TEXT NOT NULL DEFAULT 'none',
			review_notes TEXT NOT NULL DEFAULT '',
			planning_work_item_id TEXT DEFAULT '',
			synced_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS feature_dependencies (
			feature_id INTEGER NOT NULL REFERENCES features(id) ON DELETE CASCADE,
			depends_on INTEGER NOT NULL,
			PRIMARY KEY (feature_id, depends_on)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feature_dependencies_depends_on
			ON feature_dependencies(depends_on)`,
		`CREATE TABLE IF NOT EXISTS test_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			feature_id INTEGER NOT NULL REFERENCES features(id) ON DELETE CASCADE,
			passed INTEGER NOT NULL DEFAULT 0,
			agent_type TEXT NOT NULL DEFAULT 'testing',
			agent_pid INTEGER NOT NULL DEFAULT 0,
			feature_ids_in_batch TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			completed_at DATETIME,
			return_code INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_runs_feature ON test_runs(feature_id)`,
		`CREATE TABLE IF NOT EXISTS agent_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			category TEXT NOT NULL,
			memory_key TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			relevance_count INTEGER NOT NULL DEFAULT 0,
			superseded_by INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memories_slot
			ON agent_memories(category, memory_key)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cron_expr TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 60,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_overrides (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mode TEXT NOT NULL,
			starts_at DATETIME NOT NULL,
			ends_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		// Additive columns; "duplicate column" errors below are expected
		// on databases that already have them.
		`ALTER TABLE features ADD COLUMN last_status_hash TEXT DEFAULT ''`,
		`ALTER TABLE agent_memories ADD COLUMN feature_id INTEGER`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors from ALTER TABLE migrations
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Normalize legacy NULL booleans; safe to re-run on every open.
	dataMigrations := []string{
		`UPDATE features SET passes = 0 WHERE passes IS NULL`,
		`UPDATE features SET in_progress = 0 WHERE in_progress IS NULL`,
		`UPDATE test_runs SET passed = 0 WHERE passed IS NULL`,
	}
	for _, dm := range dataMigrations {
		if _, err := s.db.Exec(dm); err != nil {
			return fmt.Errorf("data migration failed: %w", err)
		}
	}

	return nil
}

// GetSetting returns the value for key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify(err)
	}
	return value, nil
}

// SetSetting upserts a settings row.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return classify(err)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so validation helpers can
// run inside or outside a transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// begin starts an immediate-mode write transaction.
func (s *Store) begin() (*sql.Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

// nullTime converts a nullable timestamp for scanning.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
