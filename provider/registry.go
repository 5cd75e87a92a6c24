package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps bank identifiers to adapter factories. Identifiers are
// case-insensitive: "Akbank" and "akbank" resolve to the same adapter.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
	}
}

// NormalizeProviderName canonicalizes a bank identifier for registry and
// configuration lookups.
func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds an adapter factory under the given bank identifier. Adapter
// packages call this from init; a later registration replaces an earlier one.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[NormalizeProviderName(name)] = factory
}

// CreateProvider builds a fresh, uninitialized adapter for the given bank.
func (r *Registry) CreateProvider(name string) (PaymentProvider, error) {
	r.mu.RLock()
	factory, exists := r.factories[NormalizeProviderName(name)]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("payment provider '%s' is not registered (registered: %s)",
			name, strings.Join(r.ProviderNames(), ", "))
	}
	return factory(), nil
}

// ProviderNames returns the registered bank identifiers in sorted order.
func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry receives the adapters registered by blank imports of the
// bank packages.
var DefaultRegistry = NewRegistry()

// Register adds an adapter factory to the default registry.
func Register(name string, factory ProviderFactory) {
	DefaultRegistry.Register(name, factory)
}

// CreateProvider builds an adapter from the default registry.
func CreateProvider(name string) (PaymentProvider, error) {
	return DefaultRegistry.CreateProvider(name)
}
