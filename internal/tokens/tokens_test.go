package tokens

import (
	"testing"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
)

func userRequest(model, text string) *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: "user", Content: openai.TextContent(text)},
		},
	}
}

func TestEstimator_CountRequest(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		name      string
		req       *openai.ChatCompletionRequest
		minTokens int
		maxTokens int
	}{
		{
			name:      "simple message",
			req:       userRequest("test-model", "Hello, how are you?"),
			minTokens: 5,
			maxTokens: 15,
		},
		{
			name: "with system message",
			req: &openai.ChatCompletionRequest{
				Model: "test-model",
				Messages: []openai.ChatCompletionMessage{
					{Role: "system", Content: openai.TextContent("You are a helpful assistant.")},
					{Role: "user", Content: openai.TextContent("Hello")},
				},
			},
			minTokens: 8,
			maxTokens: 20,
		},
		{
			name: "with tools",
			req: &openai.ChatCompletionRequest{
				Model:    "test-model",
				Messages: userRequest("", "Calculate something").Messages,
				Tools: []openai.Tool{
					{Type: "function", Function: openai.FunctionTool{Name: "calculator", Description: "A simple calculator"}},
				},
			},
			minTokens: 10,
			maxTokens: 40,
		},
		{
			name:      "empty request",
			req:       &openai.ChatCompletionRequest{Model: "test-model"},
			minTokens: 0,
			maxTokens: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.CountRequest(tt.req)
			if err != nil {
				t.Fatalf("CountRequest() error = %v", err)
			}
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("CountRequest() = %d, want between %d and %d", got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestTiktokenCounter_CountRequest(t *testing.T) {
	c := NewTiktokenCounter()

	tests := []struct {
		name      string
		req       *openai.ChatCompletionRequest
		minTokens int
		maxTokens int
	}{
		{"simple message", userRequest("gpt-4o", "Hello, how are you today?"), 8, 20},
		{"common words", userRequest("gpt-4o", "The quick brown fox jumps over the lazy dog."), 12, 25},
		{"cl100k model", userRequest("gpt-3.5-turbo", "123456789 and 987654321"), 8, 20},
		{
			name: "tool call history",
			req: &openai.ChatCompletionRequest{
				Model: "gpt-4o-mini",
				Messages: []openai.ChatCompletionMessage{
					{Role: "user", Content: openai.TextContent("Weather in Paris?")},
					{Role: "assistant", ToolCalls: []openai.ToolCall{{
						ID: "call_1", Type: "function",
						Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
					}}},
					{Role: "tool", ToolCallID: "call_1", Content: openai.TextContent("18C and sunny")},
				},
			},
			minTokens: 25,
			maxTokens: 60,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.CountRequest(tt.req)
			if err != nil {
				t.Fatalf("CountRequest() error = %v", err)
			}
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("CountRequest() = %d, want between %d and %d", got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestTiktokenCounter_SupportsModel(t *testing.T) {
	c := NewTiktokenCounter()

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"GPT-4-Turbo", true},
		{"gpt-3.5-turbo", true},
		{"o1-preview", true},
		{"o3-mini", true},
		{"text-embedding-ada-002", true},
		{"claude-3-sonnet", false},
		{"llama-v3p1-8b-instruct", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := c.SupportsModel(tt.model); got != tt.want {
				t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestTiktokenCounter_CountText(t *testing.T) {
	c := NewTiktokenCounter()

	tests := []struct {
		text      string
		minTokens int
		maxTokens int
	}{
		{"", 0, 0},
		{"hello", 1, 2},
		{"Hello, World!", 3, 6},
		{"supercalifragilisticexpialidocious", 3, 12},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := c.CountText("gpt-4o", tt.text)
			if err != nil {
				t.Fatalf("CountText() error = %v", err)
			}
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("CountText(%q) = %d, want between %d and %d", tt.text, got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestRegistry_CounterFor(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		model        string
		wantTiktoken bool
	}{
		{"gpt-4o", true},
		{"openai/gpt-4o-mini", true},
		{"openai/gpt-oss-120b:free", true},
		{"accounts/fireworks/models/llama-v3p1-8b-instruct", false},
		{"deepseek-ai/deepseek-v3", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			_, isTiktoken := r.CounterFor(tt.model).(*TiktokenCounter)
			if isTiktoken != tt.wantTiktoken {
				t.Errorf("CounterFor(%q) tiktoken = %v, want %v", tt.model, isTiktoken, tt.wantTiktoken)
			}
		})
	}
}

func TestRegistry_CountRequest(t *testing.T) {
	r := NewRegistry()

	exact := r.CountRequest(userRequest("gpt-4o", "Hello there"))
	if exact.Estimated {
		t.Error("gpt-4o count Estimated = true, want false")
	}
	if exact.Tokens <= 0 {
		t.Errorf("gpt-4o Tokens = %d, want positive", exact.Tokens)
	}

	est := r.CountRequest(userRequest("deepseek-ai/deepseek-v3", "Hello there"))
	if !est.Estimated {
		t.Error("deepseek count Estimated = false, want true")
	}

	text := r.CountText("unknown-model", "abcdefghijklmnop")
	if text.Tokens != 4 || !text.Estimated {
		t.Errorf("CountText() = %+v, want {4 true}", text)
	}
}

func TestModelMatcher(t *testing.T) {
	matcher := NewModelMatcher(
		[]string{"gpt-", "claude-"},
		[]string{"davinci", "curie"},
	)

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4", true},
		{"claude-3-opus", true},
		{"davinci", true},
		{"text-davinci-003", false},
		{"llama-2", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := matcher.Matches(tt.model); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func BenchmarkTiktokenCounter_CountRequest(b *testing.B) {
	c := NewTiktokenCounter()
	req := &openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: openai.TextContent("You are a helpful assistant that provides detailed answers.")},
			{Role: "user", Content: openai.TextContent("Can you explain quantum computing in simple terms?")},
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.CountRequest(req)
	}
}
