// Package history keeps completed turns per session in sqlite so a
// returning session can rehydrate its conversation.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultMaxTurns = 50

// Turn is one stored message.
type Turn struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is a bounded per-session turn buffer.
type Store struct {
	db       *sql.DB
	maxTurns int
}

const schema = `
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id DESC);
`

// Open opens (or creates) the store at path.
func Open(path string, maxTurns int) (*Store, error) {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	return &Store{db: db, maxTurns: maxTurns}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add appends one turn and trims the session to maxTurns (FIFO).
func (s *Store) Add(sessionID, role, content string) error {
	if _, err := s.db.Exec(
		`INSERT INTO turns (session_id, role, content) VALUES (?, ?, ?)`,
		sessionID, role, content,
	); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		DELETE FROM turns
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM turns
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		)`, sessionID, sessionID, s.maxTurns)
	return err
}

// Recent returns the stored turns for a session, oldest first.
func (s *Store) Recent(sessionID string) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT role, content, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?`, sessionID, s.maxTurns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.Role, &t.Content, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		turns = append(turns, t)
	}

	return turns, rows.Err()
}

// Clear drops all turns for a session.
func (s *Store) Clear(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM turns WHERE session_id = ?`, sessionID)
	return err
}
