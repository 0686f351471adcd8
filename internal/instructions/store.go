// Package instructions stores standing automation rules: free-text
// condition and action pairs evaluated against every inbound event
// that does not resume a task.
package instructions

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means no instruction with that ID belongs to the user.
var ErrNotFound = errors.New("instruction not found")

// Instruction is one automation rule.
type Instruction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Condition string    `json:"condition"`
	Action    string    `json:"action"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// String renders the rule the way it appears in prompts.
func (i *Instruction) String() string {
	return i.Condition + " → " + i.Action
}

// Store persists instructions.
type Store struct {
	db *sql.DB
}

// NewStore creates the instructions table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate instructions: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS instructions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		condition  TEXT NOT NULL,
		action     TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instructions_user ON instructions(user_id, active);
	`)
	return err
}

// Create adds an active instruction for the user.
func (s *Store) Create(userID, condition, action string) (*Instruction, error) {
	condition = strings.TrimSpace(condition)
	action = strings.TrimSpace(action)
	if userID == "" || condition == "" || action == "" {
		return nil, fmt.Errorf("create instruction: user, condition and action are required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate instruction ID: %w", err)
	}
	now := time.Now().UTC()
	in := &Instruction{
		ID:        id.String(),
		UserID:    userID,
		Condition: condition,
		Action:    action,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.Exec(`
		INSERT INTO instructions (id, user_id, condition, action, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		in.ID, in.UserID, in.Condition, in.Action, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert instruction: %w", err)
	}
	return in, nil
}

// ListActive returns the user's active instructions in creation order.
func (s *Store) ListActive(userID string) ([]*Instruction, error) {
	return s.query(`SELECT id, user_id, condition, action, active, created_at, updated_at
		FROM instructions WHERE user_id = ? AND active = 1 ORDER BY id`, userID)
}

// List returns all of the user's instructions, active or not.
func (s *Store) List(userID string) ([]*Instruction, error) {
	return s.query(`SELECT id, user_id, condition, action, active, created_at, updated_at
		FROM instructions WHERE user_id = ? ORDER BY id`, userID)
}

func (s *Store) query(query string, args ...any) ([]*Instruction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instructions: %w", err)
	}
	defer rows.Close()

	var out []*Instruction
	for rows.Next() {
		var in Instruction
		if err := rows.Scan(&in.ID, &in.UserID, &in.Condition, &in.Action, &in.Active,
			&in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

// Deactivate stops an instruction from firing without deleting it.
func (s *Store) Deactivate(userID, id string) error {
	res, err := s.db.Exec(`UPDATE instructions SET active = 0, updated_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("deactivate instruction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an instruction.
func (s *Store) Delete(userID, id string) error {
	res, err := s.db.Exec(`DELETE FROM instructions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete instruction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
