// Package ratelimit implements per-key admission control across concurrency,
// burst and minute/hour/day windows.
package ratelimit

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

var validate = validator.New()

// DefaultConfig is applied to keys without an override.
func DefaultConfig() domain.RateLimitConfig {
	return domain.RateLimitConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		TokensPerMinute:   10000,
		TokensPerHour:     100000,
		TokensPerDay:      1000000,
		BurstLimit:        10,
		ConcurrencyLimit:  5,
	}
}

// Presets are the named plans an operator can assign.
func Presets() map[string]domain.RateLimitConfig {
	return map[string]domain.RateLimitConfig{
		"standard": DefaultConfig(),
		"premium": {
			RequestsPerMinute: 300,
			RequestsPerHour:   5000,
			RequestsPerDay:    50000,
			TokensPerMinute:   50000,
			TokensPerHour:     500000,
			TokensPerDay:      5000000,
			BurstLimit:        50,
			ConcurrencyLimit:  20,
		},
		"enterprise": {
			RequestsPerMinute: 1000,
			RequestsPerHour:   20000,
			RequestsPerDay:    200000,
			TokensPerMinute:   200000,
			TokensPerHour:     2000000,
			TokensPerDay:      20000000,
			BurstLimit:        100,
			ConcurrencyLimit:  50,
		},
	}
}

// Validate checks that every ceiling is non-negative.
func Validate(cfg domain.RateLimitConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}
	return nil
}

// Policy is a validated default configuration plus named presets.
type Policy struct {
	Default domain.RateLimitConfig
	Presets map[string]domain.RateLimitConfig
}

// NewPolicy validates def and presets. An empty preset set falls back to
// Presets().
func NewPolicy(def domain.RateLimitConfig, presets map[string]domain.RateLimitConfig) (*Policy, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	if len(presets) == 0 {
		presets = Presets()
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := Validate(presets[name]); err != nil {
			return nil, fmt.Errorf("preset %s: %w", name, err)
		}
	}
	return &Policy{Default: def, Presets: presets}, nil
}
