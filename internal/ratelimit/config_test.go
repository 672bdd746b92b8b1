package ratelimit

import (
	"testing"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

func TestNewPolicy(t *testing.T) {
	t.Run("builtin presets", func(t *testing.T) {
		p, err := NewPolicy(DefaultConfig(), nil)
		if err != nil {
			t.Fatalf("NewPolicy() error = %v", err)
		}
		for _, name := range []string{"standard", "premium", "enterprise"} {
			if _, ok := p.Presets[name]; !ok {
				t.Errorf("preset %s missing", name)
			}
		}
		if got := p.Presets["premium"].ConcurrencyLimit; got != 20 {
			t.Errorf("premium ConcurrencyLimit = %d, want 20", got)
		}
	})

	t.Run("configured presets replace builtins", func(t *testing.T) {
		p, err := NewPolicy(DefaultConfig(), map[string]domain.RateLimitConfig{"tiny": {RequestsPerMinute: 1}})
		if err != nil {
			t.Fatalf("NewPolicy() error = %v", err)
		}
		if len(p.Presets) != 1 {
			t.Errorf("Presets = %v, want only tiny", p.Presets)
		}
	})

	tests := []struct {
		name    string
		def     domain.RateLimitConfig
		presets map[string]domain.RateLimitConfig
	}{
		{"negative default", domain.RateLimitConfig{TokensPerDay: -1}, nil},
		{"negative preset", DefaultConfig(), map[string]domain.RateLimitConfig{"bad": {BurstLimit: -5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPolicy(tt.def, tt.presets); err == nil {
				t.Error("NewPolicy() error = nil, want error")
			}
		})
	}
}
