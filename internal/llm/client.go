package llm

import "context"

// Client is the interface all LLM providers implement.
type Client interface {
	// Chat sends the message list and tool definitions (OpenAI function
	// format) and returns the model's reply: final text, tool calls, or
	// both.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
