package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nugget/steward/internal/httpkit"
)

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client authenticated by API key.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger.With("provider", "gemini")}, nil
}

// Chat sends a GenerateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	contents, system := convertToGemini(messages)

	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             convertToolsToGemini(tools),
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	result := convertFromGemini(resp)
	if result.Model == "" {
		result.Model = model
	}
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// Ping fetches the model list's first page.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini list models: %w", err)
	}
	return nil
}

// convertToGemini maps messages to genai contents. Gemini correlates
// function responses by name, so tool results carry ToolName.
func convertToGemini(messages []Message) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: msg.Content})

		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{"result": msg.Content},
				}}},
			})

		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return contents, system
}

// convertToolsToGemini passes the JSON schema through unchanged.
func convertToolsToGemini(tools []map[string]any) []*genai.Tool {
	var decls []*genai.FunctionDeclaration
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 name,
			Description:          desc,
			ParametersJsonSchema: fn["parameters"],
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertFromGemini(resp *genai.GenerateContentResponse) *ChatResponse {
	msg := Message{Role: RoleAssistant}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" && !part.Thought {
				msg.Content += part.Text
			}
			if fc := part.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = "call-" + uuid.NewString()
				}
				args := fc.Args
				if args == nil {
					args = map[string]any{}
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:       id,
					Function: ToolFunction{Name: fc.Name, Arguments: args},
				})
			}
		}
		// Only the first candidate is used.
		break
	}

	out := &ChatResponse{
		Model:   resp.ModelVersion,
		Message: msg,
		Done:    true,
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out
}
