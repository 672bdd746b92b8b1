package admin

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/ratelimit"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
)

var validate = validator.New()

type createKeyRequest struct {
	OwnerID          string                  `json:"owner_id" validate:"required,max=128"`
	Name             string                  `json:"name" validate:"required,max=100"`
	Environment      string                  `json:"environment" validate:"omitempty,oneof=live test staging development"`
	Scopes           map[string][]string     `json:"scopes"`
	Preset           string                  `json:"preset" validate:"omitempty,max=64"`
	RateLimit        *domain.RateLimitConfig `json:"rate_limit"`
	IPAllowlist      []string                `json:"ip_allowlist" validate:"max=256"`
	Domains          []string                `json:"domains" validate:"max=256,dive,min=1,max=253"`
	MaxRequests      *int64                  `json:"max_requests" validate:"omitempty,min=0"`
	ExpiresInSeconds int64                   `json:"expires_in_seconds" validate:"min=0"`
	Primary          bool                    `json:"primary"`
	Trial            bool                    `json:"trial"`
}

type patchKeyRequest struct {
	Name        *string                 `json:"name" validate:"omitempty,min=1,max=100"`
	Scopes      *map[string][]string    `json:"scopes"`
	Preset      *string                 `json:"preset" validate:"omitempty,max=64"`
	RateLimit   *domain.RateLimitConfig `json:"rate_limit"`
	IPAllowlist *[]string               `json:"ip_allowlist" validate:"omitempty,max=256"`
	Domains     *[]string               `json:"domains" validate:"omitempty,max=256"`
	// MaxRequests below zero removes the cap.
	MaxRequests      *int64 `json:"max_requests"`
	ExpiresInSeconds *int64 `json:"expires_in_seconds"`
	Active           *bool  `json:"active"`
	Primary          *bool  `json:"primary"`
}

type topUpRequest struct {
	Amount float64 `json:"amount" validate:"gt=0"`
}

func toScopes(m map[string][]string) credential.Scopes {
	if m == nil {
		return nil
	}
	out := make(credential.Scopes, len(m))
	for c, resources := range m {
		out[credential.Capability(c)] = resources
	}
	return out
}

type keyResponse struct {
	ID                string                  `json:"id"`
	OwnerID           string                  `json:"owner_id"`
	Name              string                  `json:"name"`
	Prefix            string                  `json:"prefix"`
	Environment       string                  `json:"environment"`
	Primary           bool                    `json:"primary"`
	Trial             bool                    `json:"trial"`
	Active            bool                    `json:"active"`
	Scopes            credential.Scopes       `json:"scopes"`
	RateLimit         *domain.RateLimitConfig `json:"rate_limit,omitempty"`
	RequestsRemaining *int64                  `json:"requests_remaining,omitempty"`
	ExpiresAt         *time.Time              `json:"expires_at,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	LastUsedAt        *time.Time              `json:"last_used_at,omitempty"`

	// Secret is only present on create and rotate.
	Secret   string       `json:"secret,omitempty"`
	TrialSet *trial.State `json:"trial_state,omitempty"`
}

func newKeyResponse(kc *credential.KeyContext) *keyResponse {
	return &keyResponse{
		ID:                kc.KeyID,
		OwnerID:           kc.OwnerID,
		Name:              kc.Name,
		Prefix:            kc.Prefix,
		Environment:       string(kc.Environment),
		Primary:           kc.Primary,
		Trial:             kc.Trial,
		Active:            kc.Active,
		Scopes:            kc.Scopes,
		RateLimit:         kc.RateLimit,
		RequestsRemaining: kc.RequestsRemaining,
		ExpiresAt:         kc.ExpiresAt,
		CreatedAt:         kc.CreatedAt,
		LastUsedAt:        kc.LastUsedAt,
	}
}

type windowResponse struct {
	Tier              string    `json:"tier"`
	Requests          int64     `json:"requests"`
	Tokens            int64     `json:"tokens"`
	RequestLimit      int       `json:"request_limit"`
	TokenLimit        int       `json:"token_limit"`
	RequestsRemaining int64     `json:"requests_remaining"`
	TokensRemaining   int64     `json:"tokens_remaining"`
	ResetAt           time.Time `json:"reset_at"`
}

type rateLimitResponse struct {
	KeyID    string                 `json:"key_id"`
	Config   domain.RateLimitConfig `json:"config"`
	Windows  []windowResponse       `json:"windows"`
	InFlight int                    `json:"in_flight"`
	Burst    int                    `json:"burst"`
	Degraded bool                   `json:"degraded"`
}

func newRateLimitResponse(keyID string, cfg domain.RateLimitConfig, snap ratelimit.Snapshot) *rateLimitResponse {
	out := &rateLimitResponse{
		KeyID:    keyID,
		Config:   cfg,
		Windows:  make([]windowResponse, 0, len(snap.Windows)),
		InFlight: snap.InFlight,
		Burst:    snap.Burst,
		Degraded: snap.Degraded,
	}
	for _, w := range snap.Windows {
		out.Windows = append(out.Windows, windowResponse{
			Tier:              string(w.Tier),
			Requests:          w.Requests,
			Tokens:            w.Tokens,
			RequestLimit:      w.RequestLimit,
			TokenLimit:        w.TokenLimit,
			RequestsRemaining: w.RequestsRemaining(),
			TokensRemaining:   w.TokensRemaining(),
			ResetAt:           w.ResetAt,
		})
	}
	return out
}

type trialResponse struct {
	State  *trial.State `json:"state"`
	Status trial.Status `json:"status"`
}
