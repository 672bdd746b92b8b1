package translate

import (
	"strings"
	"testing"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/anthropic"
	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
)

func mustChunk(t *testing.T, raw string) *openai.ChatCompletionChunk {
	t.Helper()
	c, err := ParseChunk([]byte(raw))
	if err != nil {
		t.Fatalf("ParseChunk() error = %v", err)
	}
	return c
}

func eventNames(events []Event) string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return strings.Join(names, ",")
}

func TestValidChunk(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{raw: `{"choices":[{"index":0,"delta":{"content":"hi"}}]}`, want: true},
		{raw: `{"choices":[{"index":0,"delta":{}}]}`, want: true},
		{raw: `{"choices":[]}`, want: false},
		{raw: `{"choices":[{"index":0}]}`, want: false},
		{raw: `{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`, want: false},
	}
	for _, tt := range tests {
		if got := ValidChunk(mustChunk(t, tt.raw)); got != tt.want {
			t.Errorf("ValidChunk(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	if _, err := ParseChunk([]byte(`{"choices":`)); err == nil {
		t.Error("ParseChunk() on truncated json: want error")
	}
}

func TestAnthropicStream_Text(t *testing.T) {
	s := NewAnthropicStream("msg_1", "claude-x", 42)

	var events []Event
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"content":"lo"}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`))...)
	events = append(events, s.Finish(9)...)

	want := "message_start,content_block_start,content_block_delta,content_block_delta,content_block_stop,message_delta,message_stop"
	if got := eventNames(events); got != want {
		t.Fatalf("events = %s\nwant %s", got, want)
	}

	start := events[0].Data.(anthropic.MessageStartEvent)
	if start.Message.ID != "msg_1" || start.Message.Usage.InputTokens != 42 {
		t.Errorf("message_start = %+v", start.Message)
	}

	delta := events[5].Data.(anthropic.MessageDeltaEvent)
	if delta.Delta.StopReason != "max_tokens" {
		t.Errorf("stop_reason = %q, want max_tokens", delta.Delta.StopReason)
	}
	if delta.Usage.OutputTokens != 9 {
		t.Errorf("output_tokens = %d, want 9", delta.Usage.OutputTokens)
	}

	// Finish is idempotent.
	if again := s.Finish(9); len(again) != 0 {
		t.Errorf("second Finish() = %s", eventNames(again))
	}
}

func TestAnthropicStream_ToolCalls(t *testing.T) {
	s := NewAnthropicStream("msg_2", "m", 0)

	var events []Event
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"content":"Let me check."}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`))...)
	events = append(events, s.Finish(20)...)

	want := strings.Join([]string{
		"message_start",
		"content_block_start", "content_block_delta",
		"content_block_stop",
		"content_block_start", "content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	}, ",")
	if got := eventNames(events); got != want {
		t.Fatalf("events = %s\nwant %s", got, want)
	}

	toolStart := events[4].Data.(anthropic.ContentBlockStartEvent)
	if toolStart.Index != 1 || toolStart.ContentBlock.Name != "get_weather" || toolStart.ContentBlock.ID != "call_1" {
		t.Errorf("tool block start = %+v", toolStart)
	}

	d := events[5].Data.(anthropic.ContentBlockDeltaEvent)
	if d.Delta.Type != "input_json_delta" || d.Index != 1 {
		t.Errorf("delta = %+v", d)
	}
	if d.Delta.PartialJSON != `{"city":"Paris"}` {
		t.Errorf("arguments = %s", d.Delta.PartialJSON)
	}

	if got := events[7].Data.(anthropic.MessageDeltaEvent).Delta.StopReason; got != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", got)
	}
}

func TestAnthropicStream_InterleavedToolCalls(t *testing.T) {
	s := NewAnthropicStream("msg_3", "m", 0)

	var events []Event
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"first","arguments":""}}]}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"second","arguments":"{\"y\":2}"}}]}}]}`))...)
	events = append(events, s.Chunk(mustChunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":1}"}}]}}]}`))...)
	events = append(events, s.Finish(5)...)

	// Every delta must target the block that is open at that point.
	open := -1
	stopped := map[int]bool{}
	args := map[string]string{}
	var ids []string
	for _, e := range events {
		switch data := e.Data.(type) {
		case anthropic.ContentBlockStartEvent:
			if open >= 0 {
				t.Fatalf("block %d started while %d open", data.Index, open)
			}
			open = data.Index
			ids = append(ids, data.ContentBlock.ID)
		case anthropic.ContentBlockDeltaEvent:
			if data.Index != open || stopped[data.Index] {
				t.Fatalf("delta for block %d while block %d open", data.Index, open)
			}
			args[ids[len(ids)-1]] += data.Delta.PartialJSON
		case anthropic.ContentBlockStopEvent:
			stopped[data.Index] = true
			open = -1
		}
	}

	if len(ids) != 2 || ids[0] != "call_a" || ids[1] != "call_b" {
		t.Errorf("tool blocks = %v, want [call_a call_b]", ids)
	}
	if args["call_a"] != `{"x":1}` {
		t.Errorf("call_a arguments = %q, want {\"x\":1}", args["call_a"])
	}
	if args["call_b"] != `{"y":2}` {
		t.Errorf("call_b arguments = %q, want {\"y\":2}", args["call_b"])
	}
}

func TestAnthropicStream_DropsInvalidChunks(t *testing.T) {
	s := NewAnthropicStream("msg_3", "m", 0)

	events := s.Chunk(mustChunk(t, `{"choices":[]}`))
	if got := eventNames(events); got != "message_start" {
		t.Errorf("events = %s, want message_start only", got)
	}
	if events := s.Chunk(mustChunk(t, `{"choices":[{"index":0}]}`)); len(events) != 0 {
		t.Errorf("invalid chunk produced %s", eventNames(events))
	}

	// No content blocks were opened, so Finish emits no block stop.
	if got := eventNames(s.Finish(0)); got != "message_delta,message_stop" {
		t.Errorf("Finish() = %s", got)
	}
}

func TestEvent_Encode(t *testing.T) {
	data, err := Event{Name: "message_stop", Data: anthropic.MessageStopEvent{Type: "message_stop"}}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	if string(data) != want {
		t.Errorf("Encode() = %q, want %q", data, want)
	}
}
