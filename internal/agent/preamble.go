package agent

import (
	"context"

	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/retrieval"
)

// preamble builds the system messages that open a new session: the
// advisor prompt, the context intro, and (when there is anything to
// show) retrieved excerpts plus active instructions. Retrieval
// failures degrade to an empty context.
func (l *Loop) preamble(ctx context.Context, userID, query string) []llm.Message {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.AdvisorSystemPrompt(l.now().In(l.cfg.Location))},
		{Role: llm.RoleSystem, Content: prompts.ContextIntro},
	}

	emails := l.excerpts(ctx, userID, retrieval.KindEmail, query)
	notes := l.excerpts(ctx, userID, retrieval.KindNote, query)

	var rules []string
	active, err := l.deps.Instructions.ListActive(userID)
	if err != nil {
		l.log.Warn("failed to list instructions for context", "user_id", userID, "error", err)
	}
	for _, in := range active {
		rules = append(rules, in.String())
	}

	if c := prompts.ContextPrompt(emails, notes, rules); c != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: c})
	}
	return msgs
}

func (l *Loop) excerpts(ctx context.Context, userID string, kind retrieval.Kind, query string) []string {
	if l.deps.Retriever == nil {
		return nil
	}
	found, err := l.deps.Retriever.Retrieve(ctx, userID, kind, query, l.cfg.ContextItems)
	if err != nil {
		l.log.Warn("context retrieval failed", "user_id", userID, "kind", kind, "error", err)
		return nil
	}
	out := make([]string, 0, len(found))
	for _, e := range found {
		out = append(out, e.Text)
	}
	return out
}
