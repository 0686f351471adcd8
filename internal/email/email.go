// Package email sends mail over SMTP and watches IMAP inboxes for
// replies. Server settings are shared; each user logs in with the
// account and token held in the credential store.
package email

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Outgoing is a message the agent sends on a user's behalf. Body is
// markdown.
type Outgoing struct {
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

// Envelope is summary metadata for a stored message.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string // "Name <addr>" or addr
	To      []string
	Subject string
}

// Message is a fetched message with its text extracted.
type Message struct {
	Envelope

	MessageID string
	InReplyTo []string

	// FromAddress and FromName split the first From address.
	FromAddress string
	FromName    string

	// TextBody is text/plain, or text/html converted to text when the
	// message has no plain part.
	TextBody string
}

func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

func formatAddress(addr imap.Address) string {
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
	}
	return addr.Addr()
}
