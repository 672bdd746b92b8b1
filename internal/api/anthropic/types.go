// Package anthropic provides the Anthropic Messages wire types accepted by the
// /v1/messages front door.
package anthropic

import (
	"bytes"
	"encoding/json"
)

// MessagesRequest represents an Anthropic Messages API request.
type MessagesRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	System        SystemMessages `json:"system,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	TopP          *float32       `json:"top_p,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`

	// Provider is a gateway extension that pins the upstream provider.
	Provider string `json:"provider,omitempty"`
}

// Message represents a message in the conversation.
type Message struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ContentBlock is either a plain string or a list of content parts. A nil
// Parts slice means the string form.
type ContentBlock struct {
	Text  string
	Parts []ContentPart
}

// IsParts reports whether the block was sent in array form.
func (c ContentBlock) IsParts() bool {
	return c.Parts != nil
}

// UnmarshalJSON handles both string and array content formats.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = ContentBlock{}
		return nil
	}

	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		*c = ContentBlock{Text: str}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return err
	}
	if parts == nil {
		parts = []ContentPart{}
	}
	*c = ContentBlock{Parts: parts}
	return nil
}

// MarshalJSON writes the string or array form it was read as.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	if c.IsParts() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// ContentPart represents a single content part in a message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks; a string or a list of blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`

	// Raw is the block exactly as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw block so unknown types can be passed
// through unchanged.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	type alias ContentPart
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = ContentPart(a)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// ImageSource represents an image source.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// SystemMessages represents the system prompt (can be string or array).
type SystemMessages []SystemBlock

// UnmarshalJSON handles both string and array system formats.
func (s *SystemMessages) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemMessages{{Type: "text", Text: str}}
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = blocks
	return nil
}

// String joins the text blocks of the system prompt.
func (s SystemMessages) String() string {
	var out string
	for i, b := range s {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// SystemBlock represents a system message block.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Tool represents a tool that the model can use.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// ToolChoice represents how the model should use tools.
type ToolChoice struct {
	Type string `json:"type"` // "auto", "any", "tool", "none"
	Name string `json:"name,omitempty"`
}

// Metadata represents request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesResponse represents an Anthropic Messages API response.
type MessagesResponse struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Content      []ResponseContent `json:"content"`
	Model        string            `json:"model"`
	StopReason   string            `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        MessagesUsage     `json:"usage"`

	// GatewayUsage is copied unchanged from the upstream response.
	GatewayUsage json.RawMessage `json:"gateway_usage,omitempty"`
}

// ResponseContent represents content in a response.
type ResponseContent struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// TextContent returns a text block. Empty text is still written.
func TextContent(s string) ResponseContent {
	return ResponseContent{Type: "text", Text: &s}
}

// MessagesUsage represents token usage in the response.
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageStartEvent is sent at the start of a message.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent is sent at the start of a content block.
type ContentBlockStartEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock ResponseContent `json:"content_block"`
}

// ContentBlockDeltaEvent is sent for content block updates.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta represents the delta in a content block.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent is sent at the end of a content block.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent is sent for message-level updates.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage *DeltaUsage  `json:"usage,omitempty"`
}

// MessageDelta represents updates to the message.
type MessageDelta struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// DeltaUsage represents usage in delta events.
type DeltaUsage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens"`
}

// MessageStopEvent is sent at the end of a message.
type MessageStopEvent struct {
	Type string `json:"type"`
}
