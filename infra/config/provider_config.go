package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/odeapay/vpos/provider"
)

// ProviderConfig manages per-bank credential sets. Configurations are loaded
// once at startup (from env and/or SQLite) and are immutable from the
// adapters' point of view; changing credentials means re-adding the provider.
type ProviderConfig struct {
	configs map[string]map[string]string
	storage *SQLiteStorage
	mu      sync.RWMutex
}

// NewProviderConfig creates a new provider configuration backed by optional
// SQLite persistence.
func NewProviderConfig(storage *SQLiteStorage) *ProviderConfig {
	c := &ProviderConfig{
		configs: make(map[string]map[string]string),
		storage: storage,
	}

	if storage != nil {
		if stored, err := storage.LoadAllProviderConfigs(); err == nil {
			c.mu.Lock()
			for name, cfg := range stored {
				c.configs[name] = cfg
			}
			c.mu.Unlock()
		}
	}

	return c
}

// LoadFromEnv reads credentials for every registered provider from the
// environment. The variable name is the upper-cased provider name joined with
// the upper-cased config key: AKBANK_MERCHANTSAFEID, GARANTI_TERMINALID, ...
// Only providers with at least one variable present are configured.
func (c *ProviderConfig) LoadFromEnv() {
	for _, name := range provider.DefaultRegistry.ProviderNames() {
		p, err := provider.CreateProvider(name)
		if err != nil {
			continue
		}

		cfg := make(map[string]string)
		for _, field := range p.GetRequiredConfig("") {
			envKey := strings.ToUpper(name) + "_" + strings.ToUpper(field.Key)
			if value := os.Getenv(envKey); value != "" {
				cfg[field.Key] = value
			}
		}

		if len(cfg) > 0 {
			c.mu.Lock()
			c.configs[name] = cfg
			c.mu.Unlock()
		}
	}
}

// SetConfig stores configuration for a provider, persisting it when storage
// is available.
func (c *ProviderConfig) SetConfig(providerName string, config map[string]string) error {
	if providerName == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if len(config) == 0 {
		return fmt.Errorf("config cannot be empty")
	}

	if c.storage != nil {
		if err := c.storage.SaveProviderConfig(providerName, config); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.configs[providerName] = config
	c.mu.Unlock()
	return nil
}

// GetConfig returns a copy of the configuration for a provider.
func (c *ProviderConfig) GetConfig(providerName string) (map[string]string, error) {
	c.mu.RLock()
	config, exists := c.configs[providerName]
	c.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no configuration found for provider: %s", providerName)
	}

	copied := make(map[string]string, len(config))
	for k, v := range config {
		copied[k] = v
	}
	return copied, nil
}

// GetAvailableProviders returns the names of all configured providers in
// sorted order.
func (c *ProviderConfig) GetAvailableProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	providers := make([]string, 0, len(c.configs))
	for name := range c.configs {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
