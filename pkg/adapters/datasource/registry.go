package datasource

import (
	"context"
	"sort"
	"sync"
)

// AdapterInfo describes a registered source type for API discovery.
type AdapterInfo struct {
	Type        string `json:"type"`         // "csv", "postgres", "api"
	DisplayName string `json:"display_name"` // "CSV file", "PostgreSQL"
	Description string `json:"description"`
	// Relational adapters read a table or a single SELECT and use pooled connections.
	Relational bool `json:"relational"`
}

// FetcherFactoryFunc builds a fetcher from a connection descriptor.
type FetcherFactoryFunc func(ctx context.Context, descriptor map[string]any, opts Options) (Fetcher, error)

// Registration contains info + factory for creating fetchers.
type Registration struct {
	Info    AdapterInfo
	Factory FetcherFactoryFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetFactory returns the factory for a source type.
// Returns nil if type is not registered.
func GetFactory(sourceType string) FetcherFactoryFunc {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[sourceType]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(sourceType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[sourceType]
	return ok
}
