// Package transcript persists worker conversations: one session per
// worker run with append-only messages, written when the orchestrator
// runs with transcript recording on.
package transcript

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the transcripts database. It lives beside the backlog in
// the project's .foreman directory but is deliberately a separate
// file: transcripts are disposable, the backlog is not.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and migrates) the transcripts database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open transcripts database: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcripts database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			role TEXT NOT NULL,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session is one recorded worker run.
type Session struct {
	ID        string
	Project   string
	WorkerID  string
	Role      string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Message is one line of a session. Speaker distinguishes worker
// output from orchestrator annotations.
type Message struct {
	ID        int64
	SessionID string
	Speaker   string
	Content   string
	CreatedAt time.Time
}

// StartSession creates a session and returns its id.
func (s *Store) StartSession(project, workerID, role string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, project, worker_id, role) VALUES (?, ?, ?, ?)
	`, id, project, workerID, role)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(sessionID string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET ended_at = CURRENT_TIMESTAMP WHERE id = ? AND ended_at IS NULL
	`, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not open", sessionID)
	}
	return nil
}

// Append records one message in a session.
func (s *Store) Append(sessionID, speaker, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (session_id, speaker, content) VALUES (?, ?, ?)
	`, sessionID, speaker, content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns a session's messages in insertion order.
func (s *Store) Messages(sessionID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, speaker, content, created_at
		FROM messages WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Speaker, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// RecentSessions returns the newest sessions first.
func (s *Store) RecentSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, project, worker_id, role, started_at, ended_at
		FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		var (
			sess    Session
			endedAt sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.Project, &sess.WorkerID, &sess.Role, &sess.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}
