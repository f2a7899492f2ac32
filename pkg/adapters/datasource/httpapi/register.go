package httpapi

import (
	"context"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.AdapterInfo{
			Type:        "api",
			DisplayName: "HTTP API",
			Description: "JSON records from an HTTP GET or POST endpoint",
		},
		Factory: func(ctx context.Context, descriptor map[string]any, opts datasource.Options) (datasource.Fetcher, error) {
			cfg, err := FromMap(descriptor, opts)
			if err != nil {
				return nil, err
			}
			return NewAdapter(cfg, opts), nil
		},
	})
}
