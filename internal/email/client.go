package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nugget/steward/internal/config"
)

const (
	maxBodySize       = 32 * 1024
	maxRawMessageSize = 5 * 1024 * 1024
)

// Login is one user's IMAP credentials.
type Login struct {
	Username string
	Secret   string // password or OAuth access token
	Mode     string // plain or oauthbearer
}

// Client is a single-user IMAP connection, dialed lazily and redialed
// when a NOOP fails. Methods are goroutine-safe.
type Client struct {
	cfg    config.IMAPConfig
	login  Login
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates an IMAP client. Nothing is dialed until first use.
func NewClient(cfg config.IMAPConfig, login Login, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, login: login, logger: logger}
}

func (c *Client) connectLocked() error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	opts := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if c.login.Mode == "oauthbearer" {
		err = client.Authenticate(saslClient(c.login.Mode, c.login.Username, c.login.Secret))
	} else {
		err = client.Login(c.login.Username, c.login.Secret).Wait()
	}
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.login.Username, err)
	}

	c.client = client
	c.logger.Debug("IMAP connected", "host", c.cfg.Host, "user", c.login.Username)
	return nil
}

func (c *Client) ensureConnected() error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "user", c.login.Username)
	}
	return c.connectLocked()
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// ListSince returns INBOX envelopes with UID > sinceUID, newest first.
// With sinceUID zero it returns the newest limit messages.
func (c *Client) ListSince(ctx context.Context, sinceUID uint32, limit int) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if _, err := c.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{}
	if sinceUID > 0 {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}}}
	}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search INBOX: %w", err)
	}

	uids := data.AllUIDs()
	// A "N:*" search always matches the highest UID even when it is
	// below N.
	if sinceUID > 0 {
		kept := uids[:0]
		for _, uid := range uids {
			if uint32(uid) > sinceUID {
				kept = append(kept, uid)
			}
		}
		uids = kept
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if sinceUID == 0 && limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}

	fetch := c.client.Fetch(set, &imap.FetchOptions{UID: true, Envelope: true})
	var out []Envelope
	for {
		msg := fetch.Next()
		if msg == nil {
			break
		}
		var env Envelope
		for item := msg.Next(); item != nil; item = msg.Next() {
			switch d := item.(type) {
			case imapclient.FetchItemDataUID:
				env.UID = uint32(d.UID)
			case imapclient.FetchItemDataEnvelope:
				if d.Envelope != nil {
					env.Date = d.Envelope.Date
					env.Subject = d.Envelope.Subject
					if len(d.Envelope.From) > 0 {
						env.From = formatAddress(d.Envelope.From[0])
					}
					for _, a := range d.Envelope.To {
						env.To = append(env.To, formatAddress(a))
					}
				}
			case imapclient.FetchItemDataBodySection:
				drainLiteral(d.Literal)
			}
		}
		if env.UID != 0 {
			out = append(out, env)
		}
	}
	if err := fetch.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Read fetches one INBOX message by UID without marking it seen.
func (c *Client) Read(ctx context.Context, uid uint32) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if _, err := c.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	var set imap.UIDSet
	set.AddNum(imap.UID(uid))
	fetch := c.client.Fetch(set, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})

	msg := fetch.Next()
	if msg == nil {
		_ = fetch.Close()
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	result := &Message{}
	var raw []byte
	for item := msg.Next(); item != nil; item = msg.Next() {
		switch d := item.(type) {
		case imapclient.FetchItemDataUID:
			result.UID = uint32(d.UID)
		case imapclient.FetchItemDataEnvelope:
			if env := d.Envelope; env != nil {
				result.Date = env.Date
				result.Subject = env.Subject
				result.MessageID = env.MessageID
				result.InReplyTo = env.InReplyTo
				if len(env.From) > 0 {
					result.From = formatAddress(env.From[0])
					result.FromAddress = env.From[0].Addr()
					result.FromName = env.From[0].Name
				}
				for _, a := range env.To {
					result.To = append(result.To, formatAddress(a))
				}
			}
		case imapclient.FetchItemDataBodySection:
			if d.Literal == nil {
				continue
			}
			// The literal must be consumed before msg.Next().
			var err error
			raw, err = io.ReadAll(io.LimitReader(d.Literal, maxRawMessageSize))
			drainLiteral(d.Literal)
			if err != nil {
				c.logger.Debug("error reading body literal", "uid", uid, "error", err)
				raw = nil
			}
		}
	}
	if err := fetch.Close(); err != nil {
		return nil, fmt.Errorf("fetch message UID %d: %w", uid, err)
	}

	if raw != nil {
		text, err := extractText(bytes.NewReader(raw))
		if err != nil {
			c.logger.Debug("body parse error", "uid", uid, "error", err)
		}
		result.TextBody = text
	}
	return result, nil
}

// extractText walks the MIME tree and returns the first text/plain
// part, falling back to the first text/html part converted to text.
// Unknown charsets are tolerated.
func extractText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return "", fmt.Errorf("create mail reader: no reader")
	}

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return firstNonEmpty(plain, htmlToText(htmlBody)), fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		switch {
		case ct == "text/plain" && plain == "":
			plain = readLimited(part.Body)
		case ct == "text/html" && htmlBody == "":
			htmlBody = readLimited(part.Body)
		}
	}
	if plain != "" {
		return plain, nil
	}
	if htmlBody != "" {
		return htmlToText(htmlBody), nil
	}
	return "", nil
}

func readLimited(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated]"
	}
	return strings.TrimSpace(text)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
