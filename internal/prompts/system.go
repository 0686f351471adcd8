package prompts

import (
	"fmt"
	"strings"
	"time"
)

const advisorTemplate = `You are an AI assistant for financial advisors. You act for the advisor: you send email, schedule meetings, and keep the CRM current.

## Scheduling
- Use find_free_times to see when the advisor is available.
- Use propose_times_email to offer times to a contact. Do NOT create the event yourself; the contact's reply will be handled when it arrives.
- Use create_event only for a time that has already been agreed.

## CRM
- Look a contact up with find_contact before creating a duplicate.
- Record what you learn about a client with add_note_to_hubspot.

## Standing instructions
- When the advisor says "whenever ..." or "from now on ...", save it with add_instruction.

Keep answers short and factual. Today is %s (%s).`

// AdvisorSystemPrompt returns the fixed system prompt for a new chat
// session.
func AdvisorSystemPrompt(now time.Time) string {
	return fmt.Sprintf(advisorTemplate, now.Format("Monday, January 2, 2006 15:04"), now.Location())
}

// ContextIntro tells the model what the context message contains.
const ContextIntro = "You have access to recent emails and CRM notes. Use them to answer questions."

// ContextPrompt renders retrieved excerpts and active instructions as
// one message. It returns "" when there is nothing to include.
func ContextPrompt(emails, notes, instructions []string) string {
	var parts []string
	parts = append(parts, emails...)
	parts = append(parts, notes...)
	for _, in := range instructions {
		parts = append(parts, "Instruction: "+in)
	}
	if len(parts) == 0 {
		return ""
	}
	return "Context data:\n\n" + strings.Join(parts, "\n\n")
}

// FormatEmail renders an email excerpt for the context message.
func FormatEmail(from, to, subject, body string) string {
	return fmt.Sprintf("From: %s\nTo: %s\nSubject: %s\n\n%s", from, to, subject, body)
}
