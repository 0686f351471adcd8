package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/opstate"
	"github.com/nugget/steward/internal/users"
)

const pollNamespace = "email_poll"

// maxDeliveryAttempts bounds how many polls retry a message whose
// read or handling failed before it is skipped.
const maxDeliveryAttempts = 5

// Inbound is a newly arrived message, handed to the dispatcher.
type Inbound struct {
	UserID     string
	MessageID  string
	Sender     string
	SenderName string
	Subject    string
	Body       string
	Date       time.Time
}

// Handler receives each new inbound message.
type Handler func(ctx context.Context, in Inbound) error

// Mailbox is the part of Client the poller needs.
type Mailbox interface {
	ListSince(ctx context.Context, sinceUID uint32, limit int) ([]Envelope, error)
	Read(ctx context.Context, uid uint32) (*Message, error)
}

// UserLister lists users with a given provider connected.
type UserLister interface {
	Connected(provider string) ([]string, error)
}

// Poller compares each connected user's INBOX against a persisted UID
// high-water mark and hands new messages to a Handler.
type Poller struct {
	open   func(userID string) (Mailbox, error)
	users  UserLister
	state  *opstate.Store
	handle Handler
	bus    *events.Bus
	logger *slog.Logger
}

// NewPoller creates a poller over svc's IMAP clients.
func NewPoller(svc *Service, lister UserLister, state *opstate.Store, handle Handler, bus *events.Bus, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		open:   func(userID string) (Mailbox, error) { return svc.Client(userID) },
		users:  lister,
		state:  state,
		handle: handle,
		bus:    bus,
		logger: logger.With("component", "email_poller"),
	}
}

// Poll checks every connected user once and returns the number of new
// messages handed off. A failing user is logged and skipped.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	ids, err := p.users.Connected(users.ProviderGoogle)
	if err != nil {
		return 0, fmt.Errorf("list mail users: %w", err)
	}

	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := p.checkUser(ctx, id)
		if err != nil {
			p.logger.Warn("email poll failed", "user_id", id, "error", err)
			continue
		}
		total += n
	}

	p.bus.Emit(events.SourceEmail, events.KindPollComplete, map[string]any{
		"new_messages": total,
		"users":        len(ids),
	})
	return total, nil
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := p.Poll(ctx); err != nil {
			p.logger.Warn("email poll cycle failed", "error", err)
		} else if n > 0 {
			p.logger.Info("new email", "messages", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkUser handles one INBOX. On first run the newest UID is recorded
// silently so a new deployment does not replay the whole mailbox.
func (p *Poller) checkUser(ctx context.Context, userID string) (int, error) {
	box, err := p.open(userID)
	if err != nil {
		return 0, err
	}
	key := userID + ":INBOX"

	stored, err := p.state.Get(pollNamespace, key)
	if err != nil {
		return 0, err
	}
	since, err := strconv.ParseUint(stored, 10, 32)
	if stored == "" || err != nil {
		if stored != "" {
			p.logger.Warn("corrupt high-water mark, reseeding", "user_id", userID, "stored", stored)
		}
		envs, err := box.ListSince(ctx, 0, 1)
		if err != nil {
			return 0, fmt.Errorf("seed list: %w", err)
		}
		if len(envs) > 0 {
			p.logger.Info("seeding email high-water mark", "user_id", userID, "uid", envs[0].UID)
			return 0, p.state.Set(pollNamespace, key, strconv.FormatUint(uint64(envs[0].UID), 10))
		}
		return 0, nil
	}

	envs, err := box.ListSince(ctx, uint32(since), 0)
	if err != nil {
		return 0, fmt.Errorf("list new messages: %w", err)
	}
	if len(envs) == 0 {
		return 0, nil
	}

	// Oldest first so replies resume tasks in arrival order. The mark
	// only advances past delivered messages, so a failure stops the
	// pass and the message is retried on the next poll.
	handled := 0
	mark := uint32(since)
	for i := len(envs) - 1; i >= 0; i-- {
		uid := envs[i].UID
		if err := p.deliver(ctx, box, userID, uid); err != nil {
			if p.recordFailure(userID, uid) < maxDeliveryAttempts {
				p.logger.Warn("inbound message not handled, will retry", "user_id", userID, "uid", uid, "error", err)
				break
			}
			p.logger.Error("inbound message dropped after repeated failures",
				"user_id", userID, "uid", uid, "attempts", maxDeliveryAttempts, "error", err)
		} else {
			handled++
		}
		p.clearFailures(userID, uid)
		mark = uid
	}

	if mark != uint32(since) {
		if err := p.state.Set(pollNamespace, key, strconv.FormatUint(uint64(mark), 10)); err != nil {
			return handled, fmt.Errorf("update high-water mark: %w", err)
		}
	}
	return handled, nil
}

func (p *Poller) deliver(ctx context.Context, box Mailbox, userID string, uid uint32) error {
	msg, err := box.Read(ctx, uid)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	return p.handle(ctx, Inbound{
		UserID:     userID,
		MessageID:  msg.MessageID,
		Sender:     msg.FromAddress,
		SenderName: msg.FromName,
		Subject:    msg.Subject,
		Body:       msg.TextBody,
		Date:       msg.Date,
	})
}

func failureKey(userID string, uid uint32) string {
	return userID + ":INBOX:failed:" + strconv.FormatUint(uint64(uid), 10)
}

// recordFailure bumps and returns the message's failed attempt count.
func (p *Poller) recordFailure(userID string, uid uint32) int {
	key := failureKey(userID, uid)
	stored, _ := p.state.Get(pollNamespace, key)
	n, _ := strconv.Atoi(stored)
	n++
	if err := p.state.Set(pollNamespace, key, strconv.Itoa(n)); err != nil {
		p.logger.Warn("record delivery failure", "user_id", userID, "uid", uid, "error", err)
	}
	return n
}

func (p *Poller) clearFailures(userID string, uid uint32) {
	if err := p.state.Delete(pollNamespace, failureKey(userID, uid)); err != nil {
		p.logger.Warn("clear delivery failures", "user_id", userID, "uid", uid, "error", err)
	}
}
