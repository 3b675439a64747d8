package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kestrelai/synapse/pkg/provider"
)

// ErrProviderNotRegistered is returned by CreateProvider when no factory has
// been registered under the requested provider kind.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ProviderFactory constructs a live provider.Provider for one concrete
// model, given the API key resolved for that provider kind.
type ProviderFactory func(apiKey, model string) (provider.Provider, error)

// Registry maps provider kinds ("openai", "anthropic", "gemini") to the
// factory that constructs a live provider adapter for that kind. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	provider map[string]ProviderFactory
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{provider: make(map[string]ProviderFactory)}
}

// RegisterProvider registers a provider factory under kind. Subsequent calls
// with the same kind overwrite the previous registration.
func (r *Registry) RegisterProvider(kind string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider[kind] = factory
}

// CreateProvider instantiates a provider.Provider for persona, using the
// factory registered under persona.Provider and the API key resolved from
// that provider's environment variable (see APIKeyFor).
// Returns ErrProviderNotRegistered if no factory has been registered for
// that kind.
func (r *Registry) CreateProvider(persona Persona) (provider.Provider, error) {
	r.mu.RLock()
	factory, ok := r.provider[persona.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, persona.Provider)
	}

	apiKey, ok := APIKeyFor(persona.Provider)
	if !ok {
		return nil, fmt.Errorf("config: no API key configured for provider %q", persona.Provider)
	}

	p, err := factory(apiKey, persona.ModelName)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q/%q: %w", persona.Provider, persona.ModelName, err)
	}
	return p, nil
}
