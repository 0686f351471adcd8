package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidContact means the contact arguments were unusable, such as
// a malformed email address or an empty search.
var ErrInvalidContact = errors.New("invalid contact")

// Remote is the CRM side of the contact book.
type Remote interface {
	Put(ctx context.Context, c *Contact) error
	AppendNote(ctx context.Context, c *Contact, note *Note) error
	Search(ctx context.Context, userID, name, email string) ([]*Contact, error)
}

// Input describes a contact to create.
type Input struct {
	Name    string
	Email   string
	Phone   string
	Company string
}

// Service writes contacts and notes to the CRM and keeps the local
// mirror current. With a nil Remote it works against the mirror only.
type Service struct {
	store  *Store
	remote Remote
	logger *slog.Logger
}

// NewService creates a contact service.
func NewService(store *Store, remote Remote, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, remote: remote, logger: logger.With("component", "contacts")}
}

// Store returns the local mirror.
func (s *Service) Store() *Store { return s.store }

// CreateContact adds a contact to the CRM, or updates the existing one
// with the same email.
func (s *Service) CreateContact(ctx context.Context, userID string, in Input) (*Contact, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, fmt.Errorf("%w: email %q: %v", ErrInvalidContact, in.Email, err)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = addr.Name
	}

	c := &Contact{UserID: userID, Name: name, Email: addr.Address, Phone: in.Phone, Company: in.Company}
	if existing, err := s.store.FindByEmail(userID, addr.Address); err == nil {
		c.ID = existing.ID
		c.RemotePath = existing.RemotePath
	} else if errors.Is(err, ErrNotFound) {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate contact ID: %w", err)
		}
		c.ID = id.String()
	} else {
		return nil, err
	}

	// The CRM write goes first so a failure leaves no local record.
	if s.remote != nil {
		if err := s.remote.Put(ctx, c); err != nil {
			return nil, fmt.Errorf("crm create contact: %w", err)
		}
	}
	if err := s.store.Upsert(c); err != nil {
		return nil, err
	}
	s.logger.Info("contact saved", "user_id", userID, "contact_id", c.ID, "email", c.Email)
	return c, nil
}

// FindContact searches by name and/or email fragment. Remote results
// are mirrored locally before being returned.
func (s *Service) FindContact(ctx context.Context, userID, name, email string) ([]*Contact, error) {
	if strings.TrimSpace(name) == "" && strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: name or email is required", ErrInvalidContact)
	}
	if s.remote == nil {
		return s.store.Search(userID, name, email, 0)
	}

	found, err := s.remote.Search(ctx, userID, name, email)
	if err != nil {
		return nil, fmt.Errorf("crm search: %w", err)
	}
	for _, c := range found {
		if err := s.store.Upsert(c); err != nil {
			s.logger.Warn("mirror contact failed", "email", c.Email, "error", err)
		}
	}
	return found, nil
}

// AddNote attaches a note to a contact identified by ID or email.
func (s *Service) AddNote(ctx context.Context, userID, contactRef, content string) (*Note, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: note content is required", ErrInvalidContact)
	}
	c, err := s.store.Resolve(userID, contactRef)
	if err != nil {
		return nil, fmt.Errorf("contact %q: %w", contactRef, err)
	}
	if s.remote != nil {
		pending := &Note{UserID: userID, ContactID: c.ID, Content: strings.TrimSpace(content), CreatedAt: time.Now().UTC()}
		if err := s.remote.AppendNote(ctx, c, pending); err != nil {
			return nil, fmt.Errorf("crm add note: %w", err)
		}
		// AppendNote may have created the card.
		if err := s.store.Upsert(c); err != nil {
			return nil, err
		}
	}
	note, err := s.store.AddNote(userID, c.ID, content)
	if err != nil {
		return nil, err
	}
	s.logger.Info("note added", "user_id", userID, "contact_id", c.ID)
	return note, nil
}

// Sync mirrors the user's whole remote address book locally and
// returns the number of contacts imported.
func (s *Service) Sync(ctx context.Context, userID string) (int, error) {
	if s.remote == nil {
		return 0, nil
	}
	all, err := s.remote.Search(ctx, userID, "", "")
	if err != nil {
		return 0, fmt.Errorf("crm list: %w", err)
	}
	n := 0
	for _, c := range all {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := s.store.Upsert(c); err != nil {
			s.logger.Warn("mirror contact failed", "email", c.Email, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
