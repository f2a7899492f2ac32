package datasource

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedSourceType is returned for a source type no adapter registered.
var ErrUnsupportedSourceType = errors.New("unsupported source type")

// FetcherFactory creates fetchers from the registry.
type FetcherFactory interface {
	// NewFetcher creates a fetcher for the given source type.
	NewFetcher(ctx context.Context, sourceType string, descriptor map[string]any) (Fetcher, error)

	// ListTypes returns info for all registered adapter types.
	ListTypes() []AdapterInfo
}

type registryFactory struct {
	opts Options
}

// NewFetcherFactory returns a factory that uses the global registry.
func NewFetcherFactory(opts Options) FetcherFactory {
	return &registryFactory{opts: opts}
}

func (f *registryFactory) NewFetcher(ctx context.Context, sourceType string, descriptor map[string]any) (Fetcher, error) {
	factory := GetFactory(sourceType)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s (not compiled in)", ErrUnsupportedSourceType, sourceType)
	}
	if descriptor == nil {
		descriptor = map[string]any{}
	}
	return factory(ctx, descriptor, f.opts)
}

func (f *registryFactory) ListTypes() []AdapterInfo {
	return RegisteredAdapters()
}

// Ensure registryFactory implements FetcherFactory at compile time.
var _ FetcherFactory = (*registryFactory)(nil)
