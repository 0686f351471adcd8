// Package users stores user identities and their per-provider
// credentials. Tokens are sealed with NaCl secretbox before they touch
// the database.
package users

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

// Credential providers.
const (
	ProviderGoogle  = "google"  // mail and calendar
	ProviderHubSpot = "hubspot" // CRM
)

var (
	// ErrNotFound means no user has the given ID.
	ErrNotFound = errors.New("user not found")
	// ErrNotConnected means the user has no credential for a provider.
	ErrNotConnected = errors.New("account not connected")
)

// User is an advisor using the assistant.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is one provider login for a user. Account is the login
// name (usually an email address). AccessToken is a password or OAuth
// access token depending on the provider's auth mode.
type Credential struct {
	UserID       string
	Provider     string
	Account      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// Store persists users and credentials.
type Store struct {
	db  *sql.DB
	key [32]byte
}

// NewStore creates the users tables if needed. secret derives the
// sealing key and must not change once credentials are stored.
func NewStore(db *sql.DB, secret string) (*Store, error) {
	if secret == "" {
		return nil, fmt.Errorf("users: empty secret")
	}
	s := &Store{db: db, key: sha256.Sum256([]byte(secret))}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		provider      TEXT NOT NULL,
		account       TEXT NOT NULL DEFAULT '',
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at    TIMESTAMP,
		updated_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, provider)
	);
	`)
	return err
}

// Create adds a user.
func (s *Store) Create(email, name string) (*User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user ID: %w", err)
	}
	u := &User{
		ID:        id.String(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// Get returns a user by ID.
func (s *Store) Get(id string) (*User, error) {
	var u User
	err := s.db.QueryRow(`SELECT id, email, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

// List returns all users, oldest first.
func (s *Store) List() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id, email, name, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// SetCredential stores or replaces a user's credential for a provider.
func (s *Store) SetCredential(c Credential) error {
	access, err := s.seal(c.AccessToken)
	if err != nil {
		return err
	}
	refresh := ""
	if c.RefreshToken != "" {
		if refresh, err = s.seal(c.RefreshToken); err != nil {
			return err
		}
	}
	var expires any
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO credentials (user_id, provider, account, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			account = excluded.account,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.UserID, c.Provider, c.Account, access, refresh, expires, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store %s credential: %w", c.Provider, err)
	}
	return nil
}

// Credential returns the decrypted credential for userID and provider,
// or ErrNotConnected.
func (s *Store) Credential(userID, provider string) (*Credential, error) {
	c := Credential{UserID: userID, Provider: provider}
	var access, refresh string
	var expires sql.NullTime
	err := s.db.QueryRow(`
		SELECT account, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE user_id = ? AND provider = ?`,
		userID, provider,
	).Scan(&c.Account, &access, &refresh, &expires, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", provider, ErrNotConnected)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s credential: %w", provider, err)
	}

	if c.AccessToken, err = s.open(access); err != nil {
		return nil, err
	}
	if refresh != "" {
		if c.RefreshToken, err = s.open(refresh); err != nil {
			return nil, err
		}
	}
	if expires.Valid {
		c.ExpiresAt = expires.Time
	}
	return &c, nil
}

// DeleteCredential disconnects a provider. Missing rows are not an error.
func (s *Store) DeleteCredential(userID, provider string) error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider); err != nil {
		return fmt.Errorf("delete %s credential: %w", provider, err)
	}
	return nil
}

// Connected returns the IDs of users holding a credential for provider.
func (s *Store) Connected(provider string) ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM credentials WHERE provider = ? ORDER BY user_id`, provider)
	if err != nil {
		return nil, fmt.Errorf("list %s users: %w", provider, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Token returns a function yielding the current access token for
// userID/provider, suitable for httpkit.WithBearerToken.
func (s *Store) Token(userID, provider string) func() (string, error) {
	return func() (string, error) {
		c, err := s.Credential(userID, provider)
		if err != nil {
			return "", err
		}
		return c.AccessToken, nil
	}
}

// seal encrypts plaintext as base64(nonce || box).
func (s *Store) seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *Store) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24 {
		return "", fmt.Errorf("credential token is malformed")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("credential token failed to decrypt")
	}
	return string(plain), nil
}
