package tools

import (
	"context"
	"strings"
	"time"
)

// tool is a Handler assembled from a schema and a run function.
type tool struct {
	schema   Schema
	suspends bool
	run      func(ctx context.Context, userID string, args map[string]any) (Result, error)
}

func (t *tool) Name() string   { return t.schema.Name }
func (t *tool) Schema() Schema { return t.schema }
func (t *tool) Suspends() bool { return t.suspends }

func (t *tool) Run(ctx context.Context, userID string, args map[string]any) (Result, error) {
	return t.run(ctx, userID, args)
}

func object(required []string, props map[string]any) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func strArray(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

// stringArg returns a trimmed string argument, or "" when absent.
func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}

func requireString(args map[string]any, name string) (string, error) {
	s := stringArg(args, name)
	if s == "" {
		return "", badArg("%s must not be empty", name)
	}
	return s, nil
}

func stringsArg(args map[string]any, name string) []string {
	items, _ := args[name].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// timeArg parses an ISO 8601 timestamp. Times without an offset are
// taken as UTC.
func timeArg(args map[string]any, name string) (time.Time, error) {
	s, err := requireString(args, name)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, badArg("%s %q is not an ISO 8601 timestamp", name, s)
}

func formatTimes(ts []time.Time) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Format(time.RFC3339)
	}
	return out
}

