// Package credential owns API key records: issuance, hashing, lookup, scope
// checks and lifecycle.
package credential

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// Environment is the issuance environment encoded in the secret prefix.
type Environment string

const (
	EnvLive        Environment = "live"
	EnvTest        Environment = "test"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// secretPrefix maps an environment to the visible token prefix.
func (e Environment) secretPrefix() string {
	switch e {
	case EnvTest:
		return "gw_test_"
	case EnvStaging:
		return "gw_staging_"
	case EnvDevelopment:
		return "gw_dev_"
	default:
		return "gw_live_"
	}
}

// ParseEnvironment validates an environment tag. Empty means live.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(s)) {
	case "", EnvLive:
		return EnvLive, nil
	case EnvTest:
		return EnvTest, nil
	case EnvStaging:
		return EnvStaging, nil
	case EnvDevelopment, "dev":
		return EnvDevelopment, nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// Capability is a closed set of scope names.
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
	CapAdmin Capability = "admin"
)

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case CapRead, CapWrite, CapAdmin:
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Wildcard grants every resource of a capability.
const Wildcard = "*"

// Scopes maps a capability to the resource patterns it grants.
type Scopes map[Capability][]string

// DefaultScopes returns the scope set given to keys created without one.
func DefaultScopes() Scopes {
	return Scopes{
		CapRead:  {Wildcard},
		CapWrite: {Wildcard},
		CapAdmin: {Wildcard},
	}
}

// Grants reports whether cap is granted on resource. An empty scope set
// grants everything, matching keys issued before scopes existed.
func (s Scopes) Grants(c Capability, resource string) bool {
	if len(s) == 0 {
		return true
	}
	patterns, ok := s[c]
	if !ok {
		return false
	}
	return slices.Contains(patterns, Wildcard) || slices.Contains(patterns, resource)
}

// Validate rejects unknown capability names.
func (s Scopes) Validate() error {
	for c := range s {
		if _, err := ParseCapability(string(c)); err != nil {
			return err
		}
	}
	return nil
}

// Key is the stored API key record. The secret itself is never stored.
type Key struct {
	ID          string
	OwnerID     string
	Name        string
	Hash        string
	Prefix      string
	Environment Environment
	Active      bool
	Primary     bool
	Trial       bool
	Scopes      Scopes
	IPAllowlist []string
	Domains     []string
	// RateLimit overrides the configured default when non-nil.
	RateLimit    *domain.RateLimitConfig
	RequestsUsed int64
	// MaxRequests nil means unlimited.
	MaxRequests *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
}

// Clone returns a deep copy so cached records are never shared mutably.
func (k *Key) Clone() *Key {
	c := *k
	if k.Scopes != nil {
		c.Scopes = make(Scopes, len(k.Scopes))
		for capability, patterns := range k.Scopes {
			c.Scopes[capability] = slices.Clone(patterns)
		}
	}
	c.IPAllowlist = slices.Clone(k.IPAllowlist)
	c.Domains = slices.Clone(k.Domains)
	if k.RateLimit != nil {
		rl := *k.RateLimit
		c.RateLimit = &rl
	}
	if k.MaxRequests != nil {
		m := *k.MaxRequests
		c.MaxRequests = &m
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Expired reports whether the key has passed its expiry at now.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// KeyContext is what a successful validation hands to the rest of the
// pipeline.
type KeyContext struct {
	KeyID       string
	OwnerID     string
	Name        string
	Prefix      string
	Environment Environment
	Primary     bool
	Trial       bool
	Active      bool
	Scopes      Scopes
	RateLimit   *domain.RateLimitConfig
	// RequestsRemaining is nil when the key has no request cap.
	RequestsRemaining *int64
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	LastUsedAt        *time.Time
}

func newKeyContext(k *Key) *KeyContext {
	kc := &KeyContext{
		KeyID:       k.ID,
		OwnerID:     k.OwnerID,
		Name:        k.Name,
		Prefix:      k.Prefix,
		Environment: k.Environment,
		Primary:     k.Primary,
		Trial:       k.Trial,
		Active:      k.Active,
		Scopes:      k.Scopes,
		RateLimit:   k.RateLimit,
		ExpiresAt:   k.ExpiresAt,
		CreatedAt:   k.CreatedAt,
		LastUsedAt:  k.LastUsedAt,
	}
	if k.MaxRequests != nil {
		remaining := max(*k.MaxRequests-k.RequestsUsed, 0)
		kc.RequestsRemaining = &remaining
	}
	return kc
}

// Authorize checks a capability on a resource. Primary keys hold every
// capability.
func (kc *KeyContext) Authorize(c Capability, resource string) error {
	if kc.Primary || kc.Scopes.Grants(c, resource) {
		return nil
	}
	return domain.ErrAuthorization(domain.ErrorCodeScopeDenied,
		fmt.Sprintf("key does not grant %s on %s", c, resource))
}
