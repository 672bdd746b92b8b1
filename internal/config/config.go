// Package config loads gateway configuration from a YAML file overlaid with
// LMG_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// EnvPrefix is stripped from environment variables; "__" separates levels.
const EnvPrefix = "LMG_"

var validate = validator.New()

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Storage   StorageConfig    `koanf:"storage"`
	Counters  CountersConfig   `koanf:"counters"`
	Security  SecurityConfig   `koanf:"security"`
	RateLimit RateLimitConfig  `koanf:"ratelimit"`
	Trial     TrialConfig      `koanf:"trial"`
	Credits   CreditsConfig    `koanf:"credits"`
	Models    ModelsConfig     `koanf:"models"`
	Providers []ProviderConfig `koanf:"providers" validate:"dive"`
	Pricing   PricingConfig    `koanf:"pricing"`
	Usage     UsageConfig      `koanf:"usage"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite pgx memory"`
	DSN    string `koanf:"dsn"`
}

// CountersConfig points at the shared counter store. An empty Addr keeps
// rate-limit counters in process.
type CountersConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

type SecurityConfig struct {
	KeySalt string `koanf:"key_salt" validate:"min=16"`
	// KeyEnvironment tags newly issued secrets (live, test, staging, development).
	KeyEnvironment string      `koanf:"key_environment"`
	Admin          AdminConfig `koanf:"admin"`
}

// AdminConfig enables the admin API when JWTSecret is set.
type AdminConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

type RateLimitConfig struct {
	Defaults domain.RateLimitConfig            `koanf:"defaults"`
	Presets  map[string]domain.RateLimitConfig `koanf:"presets" validate:"dive"`
}

type TrialConfig struct {
	Duration       time.Duration `koanf:"duration"`
	MaxTokens      int64         `koanf:"max_tokens" validate:"min=0"`
	MaxRequests    int64         `koanf:"max_requests" validate:"min=0"`
	MaxCredits     float64       `koanf:"max_credits" validate:"min=0"`
	CreditPerToken float64       `koanf:"credit_per_token" validate:"min=0"`
}

// CreditsConfig sets the balance opened for an owner's first key. Zero opens
// an empty account that must be topped up before non-trial keys can be used.
type CreditsConfig struct {
	InitialGrant float64 `koanf:"initial_grant" validate:"min=0"`
}

type ModelsConfig struct {
	DefaultOrder []string `koanf:"default_order"`
	// OverridesFile is a YAML map of canonical model id to provider tag.
	OverridesFile string `koanf:"overrides_file"`
}

type ProviderConfig struct {
	Name    string        `koanf:"name" validate:"required"`
	Type    string        `koanf:"type" validate:"oneof=openai"`
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

type PricingConfig struct {
	CreditPerToken float64               `koanf:"credit_per_token" validate:"min=0"`
	Models         map[string]ModelPrice `koanf:"models"`
}

// ModelPrice is a per-token credit rate for one model.
type ModelPrice struct {
	Prompt     float64 `koanf:"prompt"`
	Completion float64 `koanf:"completion"`
}

type UsageConfig struct {
	QueueSize int `koanf:"queue_size" validate:"min=0"`
}

type TelemetryConfig struct {
	// Tracing enables the stdout span exporter.
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                            8080,
	"server.request_timeout":                 "120s",
	"server.shutdown_timeout":                "15s",
	"storage.driver":                         "sqlite",
	"storage.dsn":                            "file:gateway.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
	"counters.timeout":                       "250ms",
	"security.key_environment":               "live",
	"security.admin.issuer":                  "llm-meter-gateway",
	"trial.duration":                         "72h",
	"trial.max_tokens":                       100000,
	"trial.max_requests":                     1000,
	"trial.max_credits":                      10.0,
	"trial.credit_per_token":                 0.00002,
	"credits.initial_grant":                  10.0,
	"pricing.credit_per_token":               0.00002,
	"usage.queue_size":                       1024,
	"telemetry.service_name":                 "llm-meter-gateway",
	"ratelimit.defaults.requests_per_minute": 60,
	"ratelimit.defaults.requests_per_hour":   1000,
	"ratelimit.defaults.requests_per_day":    10000,
	"ratelimit.defaults.tokens_per_minute":   10000,
	"ratelimit.defaults.tokens_per_hour":     100000,
	"ratelimit.defaults.tokens_per_day":      1000000,
	"ratelimit.defaults.burst_limit":         10,
	"ratelimit.defaults.concurrency_limit":   5,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (optional; a missing file is not an error), overlays the
// environment and applies defaults for anything still unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.expand()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expand() {
	c.Storage.DSN = substituteEnvVars(c.Storage.DSN)
	c.Counters.Password = substituteEnvVars(c.Counters.Password)
	c.Security.KeySalt = substituteEnvVars(c.Security.KeySalt)
	c.Security.Admin.JWTSecret = substituteEnvVars(c.Security.Admin.JWTSecret)
	for i := range c.Providers {
		if c.Providers[i].Type == "" {
			c.Providers[i].Type = "openai"
		}
		c.Providers[i].APIKey = substituteEnvVars(c.Providers[i].APIKey)
		c.Providers[i].BaseURL = substituteEnvVars(c.Providers[i].BaseURL)
	}
}

// ProviderNames returns the configured provider names in file order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
