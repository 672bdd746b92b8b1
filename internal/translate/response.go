package translate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/anthropic"
	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
)

// StopReason maps an OpenAI finish_reason to an Anthropic stop_reason.
func StopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "content_filter":
		return "stop_sequence"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// FinishReason maps an Anthropic stop_reason back to a finish_reason.
func FinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// OpenAIToAnthropic converts a chat completion into a Messages response.
// Tool calls become tool_use blocks ahead of any text; the gateway usage
// annotation is copied unchanged.
func OpenAIToAnthropic(resp *openai.ChatCompletionResponse, model string) *anthropic.MessagesResponse {
	out := &anthropic.MessagesResponse{
		ID:           resp.ID,
		Type:         "message",
		Role:         "assistant",
		Model:        resp.Model,
		StopReason:   "end_turn",
		GatewayUsage: resp.GatewayUsage,
	}
	if out.ID == "" {
		out.ID = "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if out.Model == "" {
		out.Model = model
	}
	if resp.Usage != nil {
		out.Usage = anthropic.MessagesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.StopReason = StopReason(choice.FinishReason)

		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, anthropic.ResponseContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: toolInput(tc.Function.Arguments),
			})
		}
		if text := choice.Message.Content.String(); strings.TrimSpace(text) != "" {
			out.Content = append(out.Content, anthropic.TextContent(text))
		}
	}
	if len(out.Content) == 0 {
		out.Content = []anthropic.ResponseContent{anthropic.TextContent("")}
	}
	return out
}

// toolInput keeps valid argument JSON byte-for-byte so a round trip returns
// the same payload.
func toolInput(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// AnthropicToOpenAIResponse converts a Messages response into a chat
// completion.
func AnthropicToOpenAIResponse(resp *anthropic.MessagesResponse) *openai.ChatCompletionResponse {
	msg := openai.ChatCompletionMessage{Role: "assistant"}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text != nil {
				text.WriteString(*block.Text)
			}
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: openai.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}
	msg.Content = openai.TextContent(text.String())

	return &openai.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: []openai.Choice{{Message: msg, FinishReason: FinishReason(resp.StopReason)}},
		Usage: &openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		GatewayUsage: resp.GatewayUsage,
	}
}
