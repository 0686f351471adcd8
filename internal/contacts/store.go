// Package contacts manages the advisor's CRM contact book: a local
// SQLite mirror of people and notes, and the CardDAV address book it
// syncs with.
package contacts

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means no contact with that ID or email belongs to the user.
var ErrNotFound = errors.New("contact not found")

const contactColumns = "id, user_id, remote_path, name, email, phone, company, created_at, updated_at"

// Contact is one person in a user's CRM.
type Contact struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	RemotePath string    `json:"remote_path,omitempty"` // CardDAV object path
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	Company    string    `json:"company,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Note is a free-text note attached to a contact.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ContactID string    `json:"contact_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists contacts and notes.
type Store struct {
	db *sql.DB
}

// NewStore creates the contact tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate contacts: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS contacts (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		remote_path TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL DEFAULT '',
		email       TEXT NOT NULL,
		phone       TEXT NOT NULL DEFAULT '',
		company     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_user_email ON contacts(user_id, email);

	CREATE TABLE IF NOT EXISTS contact_notes (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contact_notes_user ON contact_notes(user_id, created_at);
	`)
	return err
}

func normalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Upsert inserts a contact (keeping c.ID when set) or, when the user
// already has one with the same email, merges the non-empty fields
// into it. The stored record
// is written back into c.
func (s *Store) Upsert(c *Contact) error {
	c.Email = normalizeEmail(c.Email)
	if c.UserID == "" || c.Email == "" {
		return fmt.Errorf("upsert contact: user and email are required")
	}

	now := time.Now().UTC()
	id := c.ID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate contact ID: %w", err)
		}
		id = v7.String()
	}
	row := s.db.QueryRow(`
		INSERT INTO contacts (id, user_id, remote_path, name, email, phone, company, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, email) DO UPDATE SET
			remote_path = CASE WHEN excluded.remote_path <> '' THEN excluded.remote_path ELSE contacts.remote_path END,
			name        = CASE WHEN excluded.name <> '' THEN excluded.name ELSE contacts.name END,
			phone       = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE contacts.phone END,
			company     = CASE WHEN excluded.company <> '' THEN excluded.company ELSE contacts.company END,
			updated_at  = excluded.updated_at
		RETURNING `+contactColumns,
		id, c.UserID, c.RemotePath, strings.TrimSpace(c.Name), c.Email,
		strings.TrimSpace(c.Phone), strings.TrimSpace(c.Company), now, now)

	stored, err := scanContact(row)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	*c = *stored
	return nil
}

// Get returns a contact by ID.
func (s *Store) Get(userID, id string) (*Contact, error) {
	c, err := scanContact(s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// FindByEmail returns the user's contact with that address.
func (s *Store) FindByEmail(userID, email string) (*Contact, error) {
	c, err := scanContact(s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? AND email = ?`, userID, normalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// Resolve finds a contact by ID or, when ref looks like an address, by
// email.
func (s *Store) Resolve(userID, ref string) (*Contact, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		return s.FindByEmail(userID, ref)
	}
	return s.Get(userID, ref)
}

// Search returns contacts whose name or email contains the given
// fragments, case-insensitively. Empty fragments match everything.
func (s *Store) Search(userID, name, email string, limit int) ([]*Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+contactColumns+` FROM contacts
		WHERE user_id = ? AND LOWER(name) LIKE ? AND email LIKE ?
		ORDER BY name, email LIMIT ?`,
		userID, likePattern(name), likePattern(normalizeEmail(email)), limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns how many contacts the user has.
func (s *Store) Count(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM contacts WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func likePattern(fragment string) string {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	r := strings.NewReplacer("%", "", "_", "")
	return "%" + r.Replace(fragment) + "%"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(row scanner) (*Contact, error) {
	var c Contact
	if err := row.Scan(&c.ID, &c.UserID, &c.RemotePath, &c.Name, &c.Email, &c.Phone, &c.Company,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// AddNote attaches a note to one of the user's contacts.
func (s *Store) AddNote(userID, contactID, content string) (*Note, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("add note: content is required")
	}
	if _, err := s.Get(userID, contactID); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate note ID: %w", err)
	}
	n := &Note{
		ID:        id.String(),
		UserID:    userID,
		ContactID: contactID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.Exec(`INSERT INTO contact_notes (id, user_id, contact_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.ContactID, n.Content, n.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return n, nil
}

// Notes returns a contact's notes, oldest first.
func (s *Store) Notes(userID, contactID string) ([]*Note, error) {
	return s.queryNotes(`SELECT id, user_id, contact_id, content, created_at FROM contact_notes
		WHERE user_id = ? AND contact_id = ? ORDER BY created_at, id`, userID, contactID)
}

// RecentNotes returns the user's newest notes across all contacts.
func (s *Store) RecentNotes(userID string, limit int) ([]*Note, error) {
	return s.queryNotes(`SELECT id, user_id, contact_id, content, created_at FROM contact_notes
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
}

func (s *Store) queryNotes(query string, args ...any) ([]*Note, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.UserID, &n.ContactID, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
