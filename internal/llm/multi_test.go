package llm

import (
	"context"
	"testing"
)

type stubClient struct {
	name  string
	calls int
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	s.calls++
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) Ping(ctx context.Context) error { return nil }

func TestMultiClientRouting(t *testing.T) {
	local := &stubClient{name: "ollama"}
	remote := &stubClient{name: "anthropic"}

	m := NewMultiClient(local)
	m.AddProvider("anthropic", remote)
	m.AddModel("claude-sonnet", "anthropic")
	m.AddModel("orphan", "missing")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet", "anthropic"},
		{"qwen3:8b", "ollama"},
		{"orphan", "ollama"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Message.Content != tt.want {
			t.Errorf("Chat(%s) routed to %s, want %s", tt.model, resp.Message.Content, tt.want)
		}
	}
}

func TestMultiClientNoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "x", nil, nil); err == nil {
		t.Error("expected error with no provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected Ping error with no fallback")
	}
}
