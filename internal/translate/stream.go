package translate

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/anthropic"
	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
)

// ParseChunk decodes one streamed chat completion chunk.
func ParseChunk(raw []byte) (*openai.ChatCompletionChunk, error) {
	var c openai.ChatCompletionChunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return &c, nil
}

// ValidChunk reports whether a chunk can be forwarded: it needs a
// non-empty choice list whose first entry carries a delta.
func ValidChunk(c *openai.ChatCompletionChunk) bool {
	return c != nil && len(c.Choices) > 0 && c.Choices[0].Delta != nil
}

// Event is one server-sent event.
type Event struct {
	Name string
	Data any
}

// Encode renders the event in SSE framing.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", e.Name, data), nil
}

type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

// AnthropicStream re-emits chat completion chunks as a Messages event
// stream. Text is forwarded as it arrives. Tool calls are collected by
// index and emitted as complete tool_use blocks by Finish, since upstream
// argument fragments for one call may arrive after another call has started
// and a stopped block cannot be reopened. It is not safe for concurrent use.
type AnthropicStream struct {
	id          string
	model       string
	inputTokens int

	started    bool
	finished   bool
	open       int
	openType   string
	next       int
	tools      map[int]*pendingTool
	stopReason string
}

// NewAnthropicStream starts a stream for message id. inputTokens is the
// admission estimate reported in message_start.
func NewAnthropicStream(id, model string, inputTokens int) *AnthropicStream {
	return &AnthropicStream{
		id:          id,
		model:       model,
		inputTokens: inputTokens,
		open:        -1,
		tools:       make(map[int]*pendingTool),
		stopReason:  "end_turn",
	}
}

// Start returns the message_start event. Later calls return nothing.
func (s *AnthropicStream) Start() []Event {
	if s.started {
		return nil
	}
	s.started = true
	return []Event{{
		Name: "message_start",
		Data: anthropic.MessageStartEvent{
			Type: "message_start",
			Message: anthropic.MessagesResponse{
				ID:      s.id,
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ResponseContent{},
				Model:   s.model,
				Usage:   anthropic.MessagesUsage{InputTokens: s.inputTokens},
			},
		},
	}}
}

// Chunk converts one validated chunk.
func (s *AnthropicStream) Chunk(c *openai.ChatCompletionChunk) []Event {
	events := s.Start()
	if !ValidChunk(c) {
		return events
	}

	choice := c.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		if s.openType != "text" {
			events = append(events, s.closeBlock()...)
			events = append(events, s.openBlock("text", anthropic.TextContent(""))...)
		}
		events = append(events, Event{
			Name: "content_block_delta",
			Data: anthropic.ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: s.open,
				Delta: anthropic.BlockDelta{Type: "text_delta", Text: delta.Content},
			},
		})
	}

	for _, tc := range delta.ToolCalls {
		t, ok := s.tools[tc.Index]
		if !ok {
			t = &pendingTool{}
			s.tools[tc.Index] = t
		}
		if t.id == "" {
			t.id = tc.ID
		}
		if tc.Function != nil {
			if t.name == "" {
				t.name = tc.Function.Name
			}
			t.args.WriteString(tc.Function.Arguments)
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.stopReason = StopReason(*choice.FinishReason)
	}
	return events
}

// Finish closes any open block and emits message_delta and message_stop.
// outputTokens is the final completion count.
func (s *AnthropicStream) Finish(outputTokens int) []Event {
	if s.finished {
		return nil
	}
	events := s.Start()
	events = append(events, s.closeBlock()...)
	events = append(events, s.flushTools()...)
	s.finished = true

	return append(events,
		Event{
			Name: "message_delta",
			Data: anthropic.MessageDeltaEvent{
				Type:  "message_delta",
				Delta: anthropic.MessageDelta{StopReason: s.stopReason},
				Usage: &anthropic.DeltaUsage{OutputTokens: outputTokens},
			},
		},
		Event{Name: "message_stop", Data: anthropic.MessageStopEvent{Type: "message_stop"}},
	)
}

func (s *AnthropicStream) flushTools() []Event {
	indexes := make([]int, 0, len(s.tools))
	for i := range s.tools {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)

	var events []Event
	for _, i := range indexes {
		t := s.tools[i]
		events = append(events, s.openBlock("tool_use", anthropic.ResponseContent{
			Type:  "tool_use",
			ID:    t.id,
			Name:  t.name,
			Input: json.RawMessage("{}"),
		})...)
		if t.args.Len() > 0 {
			events = append(events, Event{
				Name: "content_block_delta",
				Data: anthropic.ContentBlockDeltaEvent{
					Type:  "content_block_delta",
					Index: s.open,
					Delta: anthropic.BlockDelta{Type: "input_json_delta", PartialJSON: t.args.String()},
				},
			})
		}
		events = append(events, s.closeBlock()...)
	}
	clear(s.tools)
	return events
}

func (s *AnthropicStream) openBlock(kind string, block anthropic.ResponseContent) []Event {
	s.open = s.next
	s.openType = kind
	s.next++
	return []Event{{
		Name: "content_block_start",
		Data: anthropic.ContentBlockStartEvent{
			Type:         "content_block_start",
			Index:        s.open,
			ContentBlock: block,
		},
	}}
}

func (s *AnthropicStream) closeBlock() []Event {
	if s.open < 0 {
		return nil
	}
	idx := s.open
	s.open = -1
	s.openType = ""
	return []Event{{
		Name: "content_block_stop",
		Data: anthropic.ContentBlockStopEvent{Type: "content_block_stop", Index: idx},
	}}
}
