// Package resolver maps caller-supplied model ids to a provider and the
// provider's own model id.
package resolver

import (
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

//go:embed aliases.yaml
var defaultAliases []byte

// Table is the static alias data.
type Table struct {
	Providers     map[string]map[string]string `yaml:"providers"`
	Organisations map[string]string            `yaml:"organisations"`
	Overrides     map[string]string            `yaml:"overrides"`
	DefaultOrder  []string                     `yaml:"default_order"`
}

// LoadTable parses an alias table. Keys are lowercased; values are kept as
// the provider spells them.
func LoadTable(data []byte) (*Table, error) {
	var raw Table
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}

	t := &Table{
		Providers:     make(map[string]map[string]string, len(raw.Providers)),
		Organisations: lowerKeys(raw.Organisations),
		Overrides:     lowerKeys(raw.Overrides),
	}
	for p, aliases := range raw.Providers {
		t.Providers[strings.ToLower(p)] = lowerKeys(aliases)
	}
	for _, p := range raw.DefaultOrder {
		t.DefaultOrder = append(t.DefaultOrder, strings.ToLower(p))
	}
	return t, nil
}

// DefaultTable returns the embedded alias table.
func DefaultTable() *Table {
	t, err := LoadTable(defaultAliases)
	if err != nil {
		panic(err)
	}
	return t
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Resolution is a resolved model.
type Resolution struct {
	Requested string
	Canonical string
	Provider  string
	Model     string
}

var openRouterSuffixes = []string{":free", ":exacto", ":extended"}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultOrder sets the provider preference used when an id could
// belong to several providers.
func WithDefaultOrder(order ...string) Option {
	return func(r *Resolver) {
		if len(order) == 0 {
			return
		}
		r.order = r.order[:0]
		for _, p := range order {
			r.order = append(r.order, strings.ToLower(p))
		}
	}
}

// WithAvailable limits resolution to providers the gateway can reach.
func WithAvailable(providers ...string) Option {
	return func(r *Resolver) {
		r.available = make(map[string]bool, len(providers))
		for _, p := range providers {
			r.available[strings.ToLower(p)] = true
		}
	}
}

// WithOverrides sets runtime id to provider overrides.
func WithOverrides(overrides map[string]string) Option {
	return func(r *Resolver) {
		r.SetOverrides(overrides)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver is the ModelResolver.
type Resolver struct {
	table     *Table
	order     []string
	available map[string]bool
	overrides atomic.Pointer[map[string]string]
	logger    *slog.Logger
}

// New creates a Resolver over table; a nil table uses the embedded one.
func New(table *Table, opts ...Option) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	r := &Resolver{
		table:  table,
		order:  append([]string(nil), table.DefaultOrder...),
		logger: slog.Default(),
	}
	empty := map[string]string{}
	r.overrides.Store(&empty)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOverrides replaces the runtime overrides. Safe for concurrent use.
func (r *Resolver) SetOverrides(overrides map[string]string) {
	m := make(map[string]string, len(overrides))
	for id, p := range overrides {
		m[strings.ToLower(id)] = strings.ToLower(p)
	}
	r.overrides.Store(&m)
}

// Resolve maps requested (and an optional explicit provider) to a provider
// and provider-native model id. Ids are lowercased before any lookup. An
// id that cannot be attributed to a reachable provider is an error; it is
// never forwarded unvalidated.
func (r *Resolver) Resolve(requested, provider string) (Resolution, error) {
	canonical := strings.ToLower(strings.TrimSpace(requested))
	if canonical == "" {
		return Resolution{}, domain.ErrInvalidRequest("model is required").WithParam("model")
	}

	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		p = r.infer(canonical)
		if p == "" {
			r.logger.Debug("model not resolved", slog.String("model", requested))
			return Resolution{}, domain.ErrModelNotResolved(requested)
		}
	}
	if !r.reachable(p) {
		r.logger.Debug("model resolved to unavailable provider",
			slog.String("model", requested),
			slog.String("provider", p))
		return Resolution{}, domain.ErrModelNotResolved(requested)
	}

	return Resolution{
		Requested: requested,
		Canonical: canonical,
		Provider:  p,
		Model:     r.lookup(p, canonical),
	}, nil
}

func (r *Resolver) reachable(p string) bool {
	return r.available == nil || r.available[p]
}

// lookup returns the provider-native id, treating the canonical id as
// already native when no alias exists.
func (r *Resolver) lookup(p, id string) string {
	id = stripProviderPrefix(p, id)
	aliases := r.table.Providers[p]
	if native, ok := aliases[id]; ok {
		return native
	}
	if _, name, ok := strings.Cut(id, "/"); ok {
		if native, ok := aliases[name]; ok {
			return native
		}
	}
	return id
}

func stripProviderPrefix(p, id string) string {
	if id == "openrouter/auto" {
		return id
	}
	return strings.TrimPrefix(id, p+"/")
}

func (r *Resolver) infer(id string) string {
	base, _, _ := strings.Cut(id, ":")
	if p, ok := (*r.overrides.Load())[base]; ok {
		return p
	}
	if p, ok := r.table.Overrides[base]; ok {
		return p
	}

	if strings.Contains(id, "/") {
		for _, suffix := range openRouterSuffixes {
			if strings.HasSuffix(id, suffix) {
				return "openrouter"
			}
		}
	}
	if strings.HasPrefix(id, "accounts/fireworks/models/") {
		return "fireworks"
	}
	if strings.HasPrefix(id, "gemini-") {
		return "google-vertex"
	}

	org, _, hasOrg := strings.Cut(id, "/")
	if hasOrg && r.isProvider(org) {
		return org
	}

	// Known-models index, in preference order.
	for _, p := range r.order {
		if !r.reachable(p) {
			continue
		}
		if _, ok := r.table.Providers[p][id]; ok {
			return p
		}
	}

	if hasOrg {
		if p, ok := r.table.Organisations[org]; ok {
			return p
		}
	}
	return ""
}

func (r *Resolver) isProvider(name string) bool {
	switch name {
	case "openrouter", "near", "aimo":
		return true
	}
	if _, ok := r.table.Providers[name]; ok {
		return true
	}
	return r.available[name]
}
