package domain

// RateLimitConfig holds the per-key ceilings. A zero ceiling disables its
// tier; it never means "always block".
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" koanf:"requests_per_minute" db:"requests_per_minute" validate:"min=0"`
	RequestsPerHour   int `json:"requests_per_hour" yaml:"requests_per_hour" koanf:"requests_per_hour" db:"requests_per_hour" validate:"min=0"`
	RequestsPerDay    int `json:"requests_per_day" yaml:"requests_per_day" koanf:"requests_per_day" db:"requests_per_day" validate:"min=0"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute" koanf:"tokens_per_minute" db:"tokens_per_minute" validate:"min=0"`
	TokensPerHour     int `json:"tokens_per_hour" yaml:"tokens_per_hour" koanf:"tokens_per_hour" db:"tokens_per_hour" validate:"min=0"`
	TokensPerDay      int `json:"tokens_per_day" yaml:"tokens_per_day" koanf:"tokens_per_day" db:"tokens_per_day" validate:"min=0"`
	BurstLimit        int `json:"burst_limit" yaml:"burst_limit" koanf:"burst_limit" db:"burst_limit" validate:"min=0"`
	ConcurrencyLimit  int `json:"concurrency_limit" yaml:"concurrency_limit" koanf:"concurrency_limit" db:"concurrency_limit" validate:"min=0"`
}

// IsZero reports whether every ceiling is disabled.
func (c RateLimitConfig) IsZero() bool {
	return c == RateLimitConfig{}
}
