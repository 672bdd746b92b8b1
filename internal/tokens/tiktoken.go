package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
)

// Chat framing overhead, per OpenAI's cookbook.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerToolUse = 3
	tokensPerTool    = 7
	replyPriming     = 3
)

// TiktokenCounter counts tokens for OpenAI-family models with tiktoken.
type TiktokenCounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewTiktokenCounter creates a counter for gpt-* and o-series models.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding", "text-davinci", "chatgpt-"},
			[]string{"davinci", "curie", "babbage", "ada"},
		),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// SupportsModel reports whether model has a known tiktoken encoding.
func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.matcher.Matches(strings.ToLower(model))
}

func (c *TiktokenCounter) codec(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(mapModelName(model)); err == nil {
		return codec, nil
	}

	encoding := modelToEncoding(model)
	c.mu.RLock()
	cached, ok := c.codecs[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer encoding %s: %w", encoding, err)
	}
	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// CountRequest counts the prompt tokens of req including chat framing.
func (c *TiktokenCounter) CountRequest(req *openai.ChatCompletionRequest) (int, error) {
	codec, err := c.codec(baseModel(req.Model))
	if err != nil {
		return 0, err
	}
	count := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := 0
	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		if msg.Content.IsParts() {
			for _, p := range msg.Content.Parts {
				switch {
				case p.Type == "text":
					total += count(p.Text)
				case p.Raw != nil:
					total += count(string(p.Raw))
				}
			}
		} else {
			total += count(msg.Content.Text)
		}
		total += count(msg.Name)
		for _, tc := range msg.ToolCalls {
			total += count(tc.Function.Name) + count(tc.Function.Arguments) + tokensPerToolUse
		}
	}
	for _, tool := range req.Tools {
		total += count(tool.Function.Name) + count(tool.Function.Description)
		total += count(schemaText(tool.Function.Parameters))
		total += tokensPerTool
	}
	return total + replyPriming, nil
}

// CountText counts tokens for a plain text string.
func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(baseModel(model))
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// mapModelName maps a model id to the tokenizer's model constant.
func mapModelName(model string) tokenizer.Model {
	model = strings.ToLower(model)

	switch {
	case model == "gpt-5-mini" || strings.HasPrefix(model, "gpt-5-mini-"):
		return tokenizer.GPT5Mini
	case model == "gpt-5-nano" || strings.HasPrefix(model, "gpt-5-nano-"):
		return tokenizer.GPT5Nano
	case strings.HasPrefix(model, "gpt-5"):
		return tokenizer.GPT5
	case strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.GPT41
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "chatgpt-4o"):
		return tokenizer.GPT4o
	case strings.HasPrefix(model, "o1"):
		if strings.Contains(model, "mini") {
			return tokenizer.O1Mini
		}
		return tokenizer.O1
	case strings.HasPrefix(model, "o3"):
		if strings.Contains(model, "mini") {
			return tokenizer.O3Mini
		}
		return tokenizer.O3
	case strings.HasPrefix(model, "o4"):
		return tokenizer.O4Mini
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.GPT4
	case strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.GPT35Turbo
	case strings.HasPrefix(model, "text-embedding"):
		return tokenizer.TextEmbeddingAda002
	case strings.HasPrefix(model, "text-davinci-003"):
		return tokenizer.TextDavinci003
	case strings.HasPrefix(model, "text-davinci-002"):
		return tokenizer.TextDavinci002
	case model == "davinci":
		return tokenizer.Davinci
	default:
		return tokenizer.Model(model)
	}
}

// modelToEncoding picks an encoding when the tokenizer has no entry for the
// exact model. Unknown models get o200k_base, the encoding of every current
// OpenAI chat model.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	case model == "davinci" || model == "curie" || model == "babbage" || model == "ada":
		return tokenizer.R50kBase
	default:
		return tokenizer.O200kBase
	}
}
