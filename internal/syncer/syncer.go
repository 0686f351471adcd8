// Package syncer imports a user's recent mail and CRM data into the
// retrieval index and the local contact mirror. Syncs run in the
// background; callers do not wait for them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/steward/internal/contacts"
	"github.com/nugget/steward/internal/email"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/retrieval"
	"github.com/nugget/steward/internal/users"
)

// Mail lists a user's recent inbox messages.
type Mail interface {
	Recent(ctx context.Context, userID string, limit int) ([]*email.Message, error)
}

// CRM mirrors the remote address book locally.
type CRM interface {
	Sync(ctx context.Context, userID string) (int, error)
}

// Notes lists a user's newest CRM notes.
type Notes interface {
	RecentNotes(userID string, limit int) ([]*contacts.Note, error)
}

// Indexer accepts documents for retrieval.
type Indexer interface {
	Add(ctx context.Context, items ...retrieval.Item) error
}

// Config tunes a sync.
type Config struct {
	EmailLimit  int           // messages imported per sync; default 50
	NoteLimit   int           // notes indexed per sync; default 100
	Concurrency int           // users synced at once by SyncAll; default 4
	Timeout     time.Duration // per background sync; default 5m
}

// Deps are the syncer's collaborators. Mail and CRM may be nil when the
// provider is not configured.
type Deps struct {
	Mail   Mail
	CRM    CRM
	Notes  Notes
	Index  Indexer
	Bus    *events.Bus
	Logger *slog.Logger
}

// Report counts what one user's sync imported.
type Report struct {
	UserID   string `json:"user_id"`
	Emails   int    `json:"emails"`
	Contacts int    `json:"contacts"`
	Notes    int    `json:"notes"`
}

// Syncer runs imports.
type Syncer struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New creates a syncer.
func New(cfg Config, deps Deps) *Syncer {
	if cfg.EmailLimit <= 0 {
		cfg.EmailLimit = 50
	}
	if cfg.NoteLimit <= 0 {
		cfg.NoteLimit = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Syncer{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "syncer"),
		inflight: make(map[string]bool),
	}
}

// Start syncs userID in the background. It returns false when a sync
// for that user is already running.
func (s *Syncer) Start(userID string) bool {
	s.mu.Lock()
	if s.inflight[userID] {
		s.mu.Unlock()
		return false
	}
	s.inflight[userID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, userID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if _, err := s.Sync(ctx, userID); err != nil {
			s.logger.Warn("background sync failed", "user_id", userID, "error", err)
		}
	}()
	return true
}

// Wait blocks until background syncs finish.
func (s *Syncer) Wait() { s.wg.Wait() }

// Sync imports one user's mail and contacts, then indexes their notes.
// A provider the user has not connected is skipped.
func (s *Syncer) Sync(ctx context.Context, userID string) (*Report, error) {
	rep := &Report{UserID: userID}
	log := s.logger.With("user_id", userID)

	g, gctx := errgroup.WithContext(ctx)
	if s.deps.Mail != nil {
		g.Go(func() error {
			n, err := s.syncMail(gctx, userID)
			if errors.Is(err, users.ErrNotConnected) {
				log.Debug("mail not connected, skipping")
				return nil
			}
			rep.Emails = n
			return err
		})
	}
	if s.deps.CRM != nil {
		g.Go(func() error {
			n, err := s.deps.CRM.Sync(gctx, userID)
			if errors.Is(err, users.ErrNotConnected) {
				log.Debug("CRM not connected, skipping")
				return nil
			}
			if err != nil {
				return fmt.Errorf("crm sync: %w", err)
			}
			rep.Contacts = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	n, err := s.indexNotes(ctx, userID)
	if err != nil {
		return rep, err
	}
	rep.Notes = n

	log.Info("sync complete", "emails", rep.Emails, "contacts", rep.Contacts, "notes", rep.Notes)
	s.deps.Bus.Emit(events.SourceSync, events.KindSyncComplete, map[string]any{
		"user_id": userID, "emails": rep.Emails, "contacts": rep.Contacts,
	})
	return rep, nil
}

// SyncAll syncs several users with bounded concurrency. Individual
// failures are logged and joined into the returned error.
func (s *Syncer) SyncAll(ctx context.Context, userIDs []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range userIDs {
		g.Go(func() error {
			if _, err := s.Sync(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Syncer) syncMail(ctx context.Context, userID string) (int, error) {
	msgs, err := s.deps.Mail.Recent(ctx, userID, s.cfg.EmailLimit)
	if err != nil {
		return 0, fmt.Errorf("mail sync: %w", err)
	}
	items := make([]retrieval.Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, retrieval.Item{
			ID:     emailItemID(m.MessageID, m.UID),
			UserID: userID,
			Kind:   retrieval.KindEmail,
			Text:   prompts.FormatEmail(m.From, strings.Join(m.To, ", "), m.Subject, m.TextBody),
			Time:   m.Date,
		})
	}
	if err := s.deps.Index.Add(ctx, items...); err != nil {
		return 0, fmt.Errorf("index mail: %w", err)
	}
	return len(items), nil
}

func (s *Syncer) indexNotes(ctx context.Context, userID string) (int, error) {
	if s.deps.Notes == nil {
		return 0, nil
	}
	notes, err := s.deps.Notes.RecentNotes(userID, s.cfg.NoteLimit)
	if err != nil {
		return 0, fmt.Errorf("list notes: %w", err)
	}
	items := make([]retrieval.Item, 0, len(notes))
	for _, n := range notes {
		items = append(items, retrieval.Item{
			ID:     "note-" + n.ID,
			UserID: userID,
			Kind:   retrieval.KindNote,
			Text:   n.Content,
			Time:   n.CreatedAt,
		})
	}
	if err := s.deps.Index.Add(ctx, items...); err != nil {
		return 0, fmt.Errorf("index notes: %w", err)
	}
	return len(items), nil
}

// IndexInbound adds a newly received message to the index so the next
// session sees it without waiting for a full sync.
func (s *Syncer) IndexInbound(ctx context.Context, in email.Inbound) error {
	from := in.Sender
	if in.SenderName != "" {
		from = in.SenderName + " <" + in.Sender + ">"
	}
	id := emailItemID(in.MessageID, 0)
	if in.MessageID == "" {
		id = fmt.Sprintf("email-%s-%d", in.Sender, in.Date.Unix())
	}
	return s.deps.Index.Add(ctx, retrieval.Item{
		ID:     id,
		UserID: in.UserID,
		Kind:   retrieval.KindEmail,
		Text:   prompts.FormatEmail(from, "", in.Subject, in.Body),
		Time:   in.Date,
	})
}

func emailItemID(messageID string, uid uint32) string {
	if messageID != "" {
		return "email-" + strings.Trim(messageID, "<>")
	}
	return fmt.Sprintf("email-uid-%d", uid)
}
