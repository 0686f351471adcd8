package tools

import (
	"context"
	"net/mail"
	"strings"

	"github.com/nugget/steward/internal/email"
)

// DefaultProposalSubject is used when propose_times_email has no subject.
const DefaultProposalSubject = "Proposed meeting times"

func sendEmailTool(m Mailer) Handler {
	return &tool{
		schema: Schema{
			Name:        SendEmail,
			Description: "Send an email from the advisor's account.",
			Parameters: object([]string{"to", "subject", "body"}, map[string]any{
				"to":      str("Recipient email address"),
				"subject": str("Subject line"),
				"body":    str("Message body (markdown allowed)"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			to, err := requireString(args, "to")
			if err != nil {
				return Result{}, err
			}
			out := email.Outgoing{
				To:      to,
				Subject: stringArg(args, "subject"),
				Body:    stringArg(args, "body"),
			}
			id, err := m.Send(ctx, userID, out)
			if err != nil {
				return Result{}, err
			}
			return Result{Data: map[string]any{"status": "sent", "to": to, "message_id": id}}, nil
		},
	}
}

// ProposalText renders the proposal email body: the caller's text
// followed by the bulleted times.
func ProposalText(body string, times []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\nHere are my available times:\n")
	for _, t := range times {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func proposeTimesTool(m Mailer) Handler {
	return &tool{
		suspends: true,
		schema: Schema{
			Name: ProposeTimesEmail,
			Description: "Email a contact a list of proposed meeting times, then wait for their reply. " +
				"Use find_free_times first. Do not create the event until they confirm.",
			Parameters: object([]string{"to", "available_times", "body"}, map[string]any{
				"to":              str("Recipient email address"),
				"available_times": strArray("Times to offer, ISO 8601 or human readable"),
				"body":            str("Opening text of the email"),
				"subject":         str("Subject line (default \"" + DefaultProposalSubject + "\")"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			to, err := requireString(args, "to")
			if err != nil {
				return Result{}, err
			}
			addr, err := mail.ParseAddress(to)
			if err != nil {
				return Result{}, badArg("to %q is not an email address", to)
			}
			times := stringsArg(args, "available_times")
			if len(times) == 0 {
				return Result{}, badArg("available_times must list at least one time")
			}
			subject := stringArg(args, "subject")
			if subject == "" {
				subject = DefaultProposalSubject
			}

			proposal := ProposalText(stringArg(args, "body"), times)
			if _, err := m.Send(ctx, userID, email.Outgoing{To: to, Subject: subject, Body: proposal}); err != nil {
				return Result{}, err
			}
			return Result{
				Content: proposal,
				Data:    map[string]any{"status": "sent", "to": addr.Address, "proposed_times": times},
				Suspend: &Suspension{
					ContactEmail:  strings.ToLower(addr.Address),
					ProposedTimes: times,
					Proposal:      proposal,
				},
			}, nil
		},
	}
}
