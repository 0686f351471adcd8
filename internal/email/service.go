package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/users"
)

// ErrNotConfigured means no SMTP server is configured.
var ErrNotConfigured = errors.New("email is not configured")

// ErrInvalidRecipient means the To address could not be parsed.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Credentials looks up a user's provider credential.
type Credentials interface {
	Credential(userID, provider string) (*users.Credential, error)
}

// Sender delivers a composed message. SendMail satisfies it; tests
// substitute a recorder.
type Sender func(ctx context.Context, cfg config.SMTPConfig, login Login, from string, recipients []string, msg []byte) error

// Service sends and reads mail for any user holding a google
// credential.
type Service struct {
	cfg    config.EmailConfig
	creds  Credentials
	send   Sender
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client // user ID → IMAP client
}

// NewService creates the email service. A nil send uses SMTP.
func NewService(cfg config.EmailConfig, creds Credentials, send Sender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if send == nil {
		send = smtpSender
	}
	return &Service{
		cfg:     cfg,
		creds:   creds,
		send:    send,
		logger:  logger.With("component", "email"),
		clients: make(map[string]*Client),
	}
}

func smtpSender(ctx context.Context, cfg config.SMTPConfig, login Login, from string, recipients []string, msg []byte) error {
	return SendMail(ctx, cfg, saslClient(login.Mode, login.Username, login.Secret), from, recipients, msg)
}

func (s *Service) login(userID string) (Login, error) {
	cred, err := s.creds.Credential(userID, users.ProviderGoogle)
	if err != nil {
		return Login{}, err
	}
	return Login{Username: cred.Account, Secret: cred.AccessToken, Mode: s.cfg.Auth}, nil
}

// Send composes out and delivers it from the user's account. It
// returns the generated Message-ID.
func (s *Service) Send(ctx context.Context, userID string, out Outgoing) (string, error) {
	if !s.cfg.Configured() {
		return "", ErrNotConfigured
	}
	to, err := mail.ParseAddress(out.To)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidRecipient, out.To, err)
	}
	login, err := s.login(userID)
	if err != nil {
		return "", err
	}

	msg, msgID, err := ComposeMessage(login.Username, out)
	if err != nil {
		return "", err
	}
	if err := s.send(ctx, s.cfg.SMTP, login, login.Username, []string{to.Address}, msg); err != nil {
		return "", fmt.Errorf("send to %s: %w", to.Address, err)
	}

	s.logger.Info("email sent", "user_id", userID, "to", to.Address, "subject", out.Subject)
	return msgID, nil
}

// Client returns the user's IMAP client, creating it on first use.
func (s *Service) Client(userID string) (*Client, error) {
	if s.cfg.IMAP.Host == "" {
		return nil, ErrNotConfigured
	}
	login, err := s.login(userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[userID]; ok && c.login == login {
		return c, nil
	}
	if old, ok := s.clients[userID]; ok {
		_ = old.Close()
	}
	c := NewClient(s.cfg.IMAP, login, s.logger.With("user_id", userID))
	s.clients[userID] = c
	return c, nil
}

// Recent returns up to limit of the user's newest INBOX messages with
// bodies.
func (s *Service) Recent(ctx context.Context, userID string, limit int) ([]*Message, error) {
	c, err := s.Client(userID)
	if err != nil {
		return nil, err
	}
	envs, err := c.ListSince(ctx, 0, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(envs))
	for _, env := range envs {
		msg, err := c.Read(ctx, env.UID)
		if err != nil {
			s.logger.Debug("skipping unreadable message", "uid", env.UID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close drops every IMAP connection.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		_ = c.Close()
		delete(s.clients, id)
	}
}
