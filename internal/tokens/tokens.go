// Package tokens estimates prompt and completion token counts for admission
// control. Counts taken here are charged against the rate-limit windows before
// the upstream call and corrected once the provider reports real usage.
package tokens

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
)

// Counter counts the prompt tokens of a chat request.
type Counter interface {
	CountRequest(req *openai.ChatCompletionRequest) (int, error)
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Count is a prompt token count and whether it came from a heuristic.
type Count struct {
	Tokens    int
	Estimated bool
}

// Registry picks a counter by model and falls back to the character
// estimator for models no registered counter understands.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken counter registered and the
// character estimator as fallback.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewEstimator()}
	r.Register(NewTiktokenCounter())
	return r
}

// Register adds a counter. Counters are tried in registration order.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

// SetFallback replaces the fallback counter.
func (r *Registry) SetFallback(c Counter) {
	r.fallback = c
}

// CounterFor returns the counter used for model.
func (r *Registry) CounterFor(model string) Counter {
	base := baseModel(model)
	for _, c := range r.counters {
		if c.SupportsModel(base) {
			return c
		}
	}
	return r.fallback
}

// CountRequest counts the prompt tokens of req. A counter error falls back to
// the estimator; counting never blocks admission.
func (r *Registry) CountRequest(req *openai.ChatCompletionRequest) Count {
	c := r.CounterFor(req.Model)
	if c != r.fallback {
		if n, err := c.CountRequest(req); err == nil {
			return Count{Tokens: n}
		}
	}
	n, _ := r.fallback.CountRequest(req)
	return Count{Tokens: n, Estimated: true}
}

// CountText counts a completion body, used when a stream ends without a usage
// report.
func (r *Registry) CountText(model, text string) Count {
	c := r.CounterFor(model)
	if c != r.fallback {
		if n, err := c.CountText(baseModel(model), text); err == nil {
			return Count{Tokens: n}
		}
	}
	n, _ := r.fallback.CountText(model, text)
	return Count{Tokens: n, Estimated: true}
}

// baseModel drops any provider or organisation path so "openai/gpt-4o"
// matches the gpt- prefix.
func baseModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.IndexByte(model, ':'); i >= 0 {
		model = model[:i]
	}
	return model
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountRequest estimates the prompt tokens of req.
func (e *Estimator) CountRequest(req *openai.ChatCompletionRequest) (int, error) {
	chars := 0
	for _, msg := range req.Messages {
		chars += len(msg.Role) + 4
		chars += contentChars(msg.Content)
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}
	for _, tool := range req.Tools {
		chars += len(tool.Function.Name) + len(tool.Function.Description)
		// Tool schema adds overhead
		chars += 50
	}
	return e.tokens(chars), nil
}

// CountText estimates the tokens in text.
func (e *Estimator) CountText(_, text string) (int, error) {
	return e.tokens(len(text)), nil
}

// SupportsModel returns true; the estimator is the catch-all.
func (e *Estimator) SupportsModel(string) bool {
	return true
}

func (e *Estimator) tokens(chars int) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	return int(float64(chars) / per)
}

func contentChars(c openai.MessageContent) int {
	if !c.IsParts() {
		return len(c.Text)
	}
	n := 0
	for _, p := range c.Parts {
		switch {
		case p.Type == "text":
			n += len(p.Text)
		case p.Raw != nil:
			n += len(p.Raw)
		}
	}
	return n
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func schemaText(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
