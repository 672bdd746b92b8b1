package usage

import "strings"

// DefaultCreditPerToken is used for models without their own price.
const DefaultCreditPerToken = 0.00002

// Price is the credit cost per token for one model.
type Price struct {
	Prompt     float64 `koanf:"prompt" yaml:"prompt"`
	Completion float64 `koanf:"completion" yaml:"completion"`
}

// Pricing converts token counts to credits.
type Pricing struct {
	Default float64
	Models  map[string]Price
}

// NewPricing builds a table; model ids are matched case-insensitively.
func NewPricing(def float64, models map[string]Price) *Pricing {
	if def <= 0 {
		def = DefaultCreditPerToken
	}
	p := &Pricing{Default: def, Models: make(map[string]Price, len(models))}
	for id, price := range models {
		p.Models[strings.ToLower(id)] = price
	}
	return p
}

// Credits prices a call.
func (p *Pricing) Credits(model string, promptTokens, completionTokens int) float64 {
	if price, ok := p.Models[strings.ToLower(model)]; ok {
		return float64(promptTokens)*price.Prompt + float64(completionTokens)*price.Completion
	}
	return float64(promptTokens+completionTokens) * p.Default
}
