// Package tasks stores agent-initiated work items. A task is either a
// completed audit record of a tool call or a suspended workflow waiting
// for an external reply. Status changes are conditional updates so
// concurrent events cannot both claim the same task.
package tasks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWaiting   Status = "waiting_for_response"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaiting, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// Metadata keys for suspended scheduling tasks.
const (
	MetaContactEmail  = "contact_email"
	MetaProposedTimes = "proposed_times"
	MetaProposal      = "proposal"
	MetaContext       = "context"
	MetaSessionID     = "session_id"
	MetaLastTool      = "last_tool"
	MetaArgs          = "args"
	MetaResult        = "result"
)

var (
	// ErrNotFound means no task with that ID belongs to the user.
	ErrNotFound = errors.New("task not found")
	// ErrConflict means a status transition lost: the task was no
	// longer in the expected state.
	ErrConflict = errors.New("task status changed concurrently")
)

// Task is a durable unit of agent-initiated work.
type Task struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Type        string         `json:"type"`
	Status      Status         `json:"status"`
	Metadata    map[string]any `json:"metadata"`
	ExternalRef string         `json:"external_ref,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ContactEmail returns the counterparty address recorded at suspension.
func (t *Task) ContactEmail() string {
	s, _ := t.Metadata[MetaContactEmail].(string)
	return s
}

// Proposal returns the message that was sent to the counterparty.
func (t *Task) Proposal() string {
	s, _ := t.Metadata[MetaProposal].(string)
	return s
}

// MatchesSender reports whether sender is this task's counterparty.
// Both sides are parsed as addresses, so a display name such as
// "Bob <bob@x.com>" matches; comparison ignores case.
func (t *Task) MatchesSender(sender string) bool {
	want := normalizeAddress(t.ContactEmail())
	return want != "" && want == normalizeAddress(sender)
}

func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if addr, err := mail.ParseAddress(s); err == nil {
		s = addr.Address
	}
	return strings.ToLower(s)
}

// Store persists tasks on the shared SQLite handle.
type Store struct {
	db *sql.DB
}

// NewStore creates the tasks table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		type         TEXT NOT NULL,
		status       TEXT NOT NULL,
		metadata     TEXT NOT NULL DEFAULT '{}',
		external_ref TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status, created_at);
	`)
	return err
}

// Create inserts t, assigning ID and timestamps when unset.
func (s *Store) Create(t *Task) error {
	if t.UserID == "" {
		return fmt.Errorf("create task: missing user")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("create task: invalid status %q", t.Status)
	}
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate task ID: %w", err)
		}
		t.ID = id.String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == StatusCompleted && t.CompletedAt == nil {
		done := t.CreatedAt
		t.CompletedAt = &done
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, user_id, type, status, metadata, external_ref, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Type, string(t.Status), string(meta), t.ExternalRef,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const selectColumns = `id, user_id, type, status, metadata, external_ref, created_at, updated_at, completed_at`

// Get returns one of the user's tasks.
func (s *Store) Get(userID, id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns the user's tasks newest first. An empty status lists
// every status.
func (s *Store) List(userID string, status Status) ([]*Task, error) {
	query := `SELECT ` + selectColumns + ` FROM tasks WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.query(query, args...)
}

// Awaiting returns the user's waiting_for_response tasks oldest first,
// the order in which inbound replies are matched.
func (s *Store) Awaiting(userID string) ([]*Task, error) {
	return s.query(`SELECT `+selectColumns+` FROM tasks
		WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC`, userID, string(StatusWaiting))
}

func (s *Store) query(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Transition moves a task from one status to another in a single
// conditional UPDATE. Exactly one of any number of concurrent callers
// with the same from status succeeds; the rest get ErrConflict.
func (s *Store) Transition(userID, id string, from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("transition task: invalid status %q", to)
	}
	now := time.Now().UTC()
	var completed any
	if to == StatusCompleted {
		completed = now
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND user_id = ? AND status = ?`,
		string(to), now, completed, id, userID, string(from))
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.Get(userID, id); err != nil {
		return err
	}
	return fmt.Errorf("task %s %s to %s: %w", id, from, to, ErrConflict)
}

// Claim atomically completes a waiting task. A nil error means the
// caller owns the resumption.
func (s *Store) Claim(userID, id string) error {
	return s.Transition(userID, id, StatusWaiting, StatusCompleted)
}

// Release undoes a Claim after the resumed action failed, so a later
// reply can retry.
func (s *Store) Release(userID, id string) error {
	return s.Transition(userID, id, StatusCompleted, StatusWaiting)
}

// Delete removes one of the user's tasks.
func (s *Store) Delete(userID, id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireStale moves waiting tasks created before cutoff to expired
// and returns how many changed.
func (s *Store) ExpireStale(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE status = ? AND created_at < ?`,
		string(StatusExpired), time.Now().UTC(), string(StatusWaiting), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire tasks: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t         Task
		status    string
		meta      string
		completed sql.NullTime
	)
	if err := sc.Scan(&t.ID, &t.UserID, &t.Type, &status, &meta, &t.ExternalRef,
		&t.CreatedAt, &t.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	if completed.Valid {
		c := completed.Time
		t.CompletedAt = &c
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
