package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Event is an inbound external event: a reply email, a webhook call,
// or an MQTT message.
type Event struct {
	UserID     string `json:"user_id"`
	ID         string `json:"id,omitempty"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
	// Source names the ingress (webhook, email, mqtt, cli).
	Source string `json:"source,omitempty"`
	// Extra holds payload fields with no dedicated field. They take
	// part in instruction matching.
	Extra map[string]any `json:"-"`
}

var knownFields = []string{"user_id", "id", "sender", "sender_name", "subject", "body", "source"}

// UnmarshalJSON accepts numeric or string user_id and id, and keeps
// unknown fields in Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	*e = Event{
		UserID:     scalar(raw["user_id"]),
		ID:         scalar(raw["id"]),
		Sender:     scalar(raw["sender"]),
		SenderName: scalar(raw["sender_name"]),
		Subject:    scalar(raw["subject"]),
		Body:       scalar(raw["body"]),
		Source:     scalar(raw["source"]),
	}
	for _, k := range knownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		e.Extra = raw
	}
	return nil
}

// MarshalJSON flattens Extra back into the object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+len(knownFields))
	maps.Copy(out, e.Extra)
	out["user_id"] = e.UserID
	out["sender"] = e.Sender
	out["body"] = e.Body
	for k, v := range map[string]string{"id": e.ID, "sender_name": e.SenderName, "subject": e.Subject, "source": e.Source} {
		if v != "" {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

func scalar(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// validate checks the fields every event needs.
func (e Event) validate() error {
	var missing []string
	if e.UserID == "" {
		missing = append(missing, "user_id")
	}
	if e.Sender == "" {
		missing = append(missing, "sender")
	}
	if strings.TrimSpace(e.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Render flattens the event to text, one "key: value" per line, for
// condition matching. Extra fields follow in key order.
func (e Event) Render() string {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	line("user_id", e.UserID)
	line("id", e.ID)
	line("sender", e.Sender)
	line("sender_name", e.SenderName)
	line("subject", e.Subject)
	line("body", e.Body)
	line("source", e.Source)
	for _, k := range slices.Sorted(maps.Keys(e.Extra)) {
		line(k, fmt.Sprint(e.Extra[k]))
	}
	return b.String()
}
