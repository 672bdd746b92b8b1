// Package translate converts between the Anthropic Messages and OpenAI Chat
// Completions wire shapes, for requests, full responses and streams.
package translate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/anthropic"
	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// ValidateAnthropic checks the fields the Messages API requires.
func ValidateAnthropic(req *anthropic.MessagesRequest) error {
	if req.Model == "" {
		return domain.ErrInvalidRequest("model is required").WithParam("model")
	}
	if req.MaxTokens <= 0 {
		return domain.ErrInvalidRequest("max_tokens is required and must be positive").WithParam("max_tokens")
	}
	if len(req.Messages) == 0 {
		return domain.ErrInvalidRequest("messages must not be empty").WithParam("messages")
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return domain.ErrInvalidRequest(fmt.Sprintf("messages[%d].role must be user or assistant", i)).
				WithParam("messages")
		}
	}
	return nil
}

// AnthropicToOpenAI converts a Messages request to a chat completion
// request. top_k has no equivalent and is dropped.
func AnthropicToOpenAI(req *anthropic.MessagesRequest, logger *slog.Logger) (*openai.ChatCompletionRequest, error) {
	if err := ValidateAnthropic(req); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	out := &openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
		Provider:    req.Provider,
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	if req.TopK != nil {
		logger.Debug("dropping top_k, no chat completions equivalent", slog.Int("top_k", *req.TopK))
	}

	if system := req.System.String(); system != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    "system",
			Content: openai.TextContent(system),
		})
	}

	for _, m := range req.Messages {
		msgs, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.FunctionTool{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	out.ToolChoice = convertToolChoice(req.ToolChoice)

	return out, nil
}

// convertMessage may expand one Anthropic message into several: tool_result
// blocks become tool messages, which must directly follow the assistant
// turn that made the calls.
func convertMessage(m anthropic.Message) ([]openai.ChatCompletionMessage, error) {
	if !m.Content.IsParts() {
		return []openai.ChatCompletionMessage{{Role: m.Role, Content: openai.TextContent(m.Content.Text)}}, nil
	}

	var (
		out       []openai.ChatCompletionMessage
		parts     []openai.ContentPart
		toolCalls []openai.ToolCall
	)
	for _, block := range m.Content.Parts {
		switch block.Type {
		case "text":
			parts = append(parts, openai.ContentPart{Type: "text", Text: block.Text})
		case "image":
			parts = append(parts, convertImage(block))
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: openai.FunctionCall{Name: block.Name, Arguments: args},
			})
		case "tool_result":
			out = append(out, openai.ChatCompletionMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    openai.TextContent(toolResultText(block.Content)),
			})
		default:
			parts = append(parts, passthrough(block))
		}
	}

	if len(parts) == 0 && len(toolCalls) == 0 && len(out) > 0 {
		return out, nil
	}

	msg := openai.ChatCompletionMessage{Role: m.Role, Content: flatten(parts), ToolCalls: toolCalls}
	return append(out, msg), nil
}

// flatten uses the string form for a single text part.
func flatten(parts []openai.ContentPart) openai.MessageContent {
	switch {
	case len(parts) == 0:
		return openai.TextContent("")
	case len(parts) == 1 && parts[0].Type == "text" && parts[0].Raw == nil:
		return openai.TextContent(parts[0].Text)
	default:
		return openai.PartsContent(parts...)
	}
}

func convertImage(block anthropic.ContentPart) openai.ContentPart {
	src := block.Source
	if src == nil {
		return passthrough(block)
	}
	switch src.Type {
	case "base64":
		mediaType := src.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		return openai.ContentPart{
			Type:     "image_url",
			ImageURL: &openai.ImageURL{URL: "data:" + mediaType + ";base64," + src.Data},
		}
	case "url":
		return openai.ContentPart{Type: "image_url", ImageURL: &openai.ImageURL{URL: src.URL}}
	default:
		return passthrough(block)
	}
}

func passthrough(block anthropic.ContentPart) openai.ContentPart {
	raw := block.Raw
	if raw == nil {
		raw, _ = json.Marshal(block)
	}
	return openai.ContentPart{Type: block.Type, Raw: raw}
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropic.ContentPart
	if err := json.Unmarshal(raw, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

func convertToolChoice(tc *anthropic.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		}
	default:
		return "auto"
	}
}
