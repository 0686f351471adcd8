package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are an AI assistant for financial advisors."},
		{Role: RoleUser, Content: "Who is Sara?"},
		{Role: RoleAssistant, Content: "Sara is a client."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are an AI assistant for financial advisors." {
		t.Errorf("system = %q", system)
	}
	if len(result) != 2 {
		t.Fatalf("got %d messages, want 2 (system lifted out)", len(result))
	}
	if result[0].Role != RoleUser {
		t.Errorf("first role = %s, want user", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "Book a meeting with Sara."},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{{
				ID:       "toolu_1",
				Function: ToolFunction{Name: "propose_times", Arguments: map[string]any{"contact_email": "sara@example.com"}},
			}},
		},
		{Role: RoleTool, Content: "proposed", ToolCallID: "toolu_1", ToolName: "propose_times"},
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 {
		t.Fatalf("got %d messages, want 3", len(result))
	}

	blocks, ok := result[1].Content.([]anthropicContent)
	if !ok || len(blocks) != 1 {
		t.Fatalf("assistant content = %#v", result[1].Content)
	}
	if blocks[0].Type != "tool_use" || blocks[0].ID != "toolu_1" {
		t.Errorf("block = %+v", blocks[0])
	}

	tr, ok := result[2].Content.([]anthropicContent)
	if !ok || len(tr) != 1 {
		t.Fatalf("tool result content = %#v", result[2].Content)
	}
	if result[2].Role != RoleUser || tr[0].Type != "tool_result" || tr[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result = %s %+v", result[2].Role, tr[0])
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "search_emails",
				"description": "Search the inbox.",
			},
		},
		{"type": "bogus"},
	}

	got := convertToolsToAnthropic(tools)
	if len(got) != 1 {
		t.Fatalf("got %d tools, want 1", len(got))
	}
	if got[0].Name != "search_emails" {
		t.Errorf("name = %q", got[0].Name)
	}
	schema, ok := got[0].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("missing parameters should default to an empty object schema, got %#v", got[0].InputSchema)
	}
}

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.System != "sys" {
			t.Errorf("system = %q", req.System)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"role":"assistant","model":"claude-test",
			"content":[
				{"type":"text","text":"Looking that up."},
				{"type":"tool_use","id":"toolu_9","name":"search_notes","input":{"query":"Sara"}}
			],
			"usage":{"input_tokens":12,"output_tokens":7}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil)
	c.endpoint = srv.URL

	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "notes on Sara?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Looking that up." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if !resp.HasToolCalls() || resp.Message.ToolCalls[0].Function.Arguments["query"] != "Sara" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil)
	c.endpoint = srv.URL

	if _, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error for 503")
	}
}
