// Package provider holds the upstream adapter contract and the registries
// that build adapters from configuration.
//
// # Adding a New Provider Type
//
// Implement Adapter and expose an explicit registration function that calls
// RegisterFactory. Wire that registration from cmd/gateway (or tests) so
// there are no init() side effects:
//
//	func RegisterProviderFactory() {
//	    if provider.IsRegistered(ProviderType) {
//	        return
//	    }
//	    provider.RegisterFactory(provider.Factory{
//	        Type:   ProviderType,
//	        Create: CreateFromConfig,
//	    })
//	}
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/config"
)

// Adapter invokes one upstream provider. Requests and responses use the
// OpenAI Chat Completions shape. Every failure is a *domain.UpstreamError.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
	// Stream returns raw chunk payloads. The channel closes when the upstream
	// stream ends or ctx is cancelled; a mid-stream failure arrives as a
	// final result with Err set.
	Stream(ctx context.Context, req *openai.ChatCompletionRequest) (<-chan openai.StreamResult, error)
}

// Factory builds adapters of one provider type.
type Factory struct {
	Type        string
	Description string
	Create      func(cfg config.ProviderConfig) (Adapter, error)
	// ValidateConfig is optional.
	ValidateConfig func(cfg config.ProviderConfig) error
}

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory registers a factory. It panics on an empty or duplicate
// type, which is a wiring bug.
func RegisterFactory(f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if f.Type == "" {
		panic("provider factory type cannot be empty")
	}
	if f.Create == nil {
		panic(fmt.Sprintf("provider factory %q must have a Create function", f.Type))
	}
	if _, exists := factories[f.Type]; exists {
		panic(fmt.Sprintf("provider factory %q already registered", f.Type))
	}
	factories[f.Type] = f
}

// GetFactory returns the factory for a provider type, if registered.
func GetFactory(providerType string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	f, ok := factories[providerType]
	return f, ok
}

// IsRegistered returns true if a provider type is registered.
func IsRegistered(providerType string) bool {
	_, ok := GetFactory(providerType)
	return ok
}

// ListProviderTypes returns the registered types sorted by name.
func ListProviderTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ClearFactories removes all registered factories (for testing only).
func ClearFactories() {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories = make(map[string]Factory)
}

// Registry holds the configured adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered as name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateProvider builds an adapter with the factory for cfg.Type.
func CreateProvider(cfg config.ProviderConfig) (Adapter, error) {
	f, ok := GetFactory(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (registered types: %v)", cfg.Type, ListProviderTypes())
	}
	if f.ValidateConfig != nil {
		if err := f.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration for provider %s: %w", cfg.Name, err)
		}
	}
	return f.Create(cfg)
}

// NewRegistryFromConfig builds and registers an adapter per entry.
func NewRegistryFromConfig(cfgs []config.ProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		a, err := CreateProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", cfg.Name, err)
		}
		r.Register(a)
	}
	return r, nil
}
