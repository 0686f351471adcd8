package tools

import "context"

type contextKey string

const sessionIDKey contextKey = "session_id"

// WithSessionID tags ctx with the chat session a tool call belongs to,
// for logging.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the session ID, or "" if unset.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
