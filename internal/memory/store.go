// Package memory stores chat sessions and their ordered, append-only
// message history.
package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/steward/internal/llm"
)

// ErrSessionNotFound means the session does not exist or belongs to a
// different user.
var ErrSessionNotFound = errors.New("session not found")

// Session groups one user's conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one immutable transcript entry. Seq is strictly
// increasing within a session and defines read order.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Seq        int64          `json:"seq"`
	Role       string         `json:"role"` // system, user, assistant, tool
	Content    string         `json:"content"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// LLM converts a stored message to the provider-neutral form.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
}

// Store persists sessions and messages on the shared SQLite handle.
type Store struct {
	db *sql.DB
}

// NewStore creates the sessions and messages tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		tool_name    TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls   TEXT,
		timestamp    TIMESTAMP NOT NULL,
		UNIQUE (session_id, seq)
	);
	`)
	return err
}

// CreateSession starts a new session for userID.
func (s *Store) CreateSession(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("create session: missing user")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}
	now := time.Now().UTC()
	sess := &Session{ID: id.String(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.Exec(`INSERT INTO sessions (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session if userID owns it.
func (s *Store) GetSession(userID, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(`SELECT id, user_id, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`,
		id, userID).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// ResolveSession returns the user's session id, or a fresh session
// when id is empty or not owned by the user.
func (s *Store) ResolveSession(userID, id string) (*Session, error) {
	if id != "" {
		sess, err := s.GetSession(userID, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	return s.CreateSession(userID)
}

// ListSessions returns the user's sessions, most recently active first.
func (s *Store) ListSessions(userID string) ([]*Session, error) {
	rows, err := s.db.Query(`SELECT id, user_id, created_at, updated_at FROM sessions
		WHERE user_id = ? ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Append persists m at the end of the session and returns it with ID,
// Seq and Timestamp filled in. The sequence number is computed inside
// the INSERT so concurrent appends cannot share a Seq.
func (s *Store) Append(sessionID string, m Message) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message ID: %w", err)
	}
	m.ID = id.String()
	m.SessionID = sessionID
	m.Timestamp = time.Now().UTC()

	var toolCalls any
	if len(m.ToolCalls) > 0 {
		raw, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	err = s.db.QueryRow(`
		INSERT INTO messages (id, session_id, seq, role, content, tool_name, tool_call_id, tool_calls, timestamp)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		FROM messages WHERE session_id = ?
		RETURNING seq`,
		m.ID, sessionID, m.Role, m.Content, m.ToolName, m.ToolCallID, toolCalls, m.Timestamp, sessionID,
	).Scan(&m.Seq)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, m.Timestamp, sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return &m, nil
}

// Messages returns the session's messages in Seq order.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, seq, role, content, tool_name, tool_call_id, tool_calls, timestamp
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			toolCalls sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content,
			&m.ToolName, &m.ToolCallID, &toolCalls, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns how many messages the session holds.
func (s *Store) Count(sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
