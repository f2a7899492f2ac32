package jsonfile

import (
	"context"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.AdapterInfo{
			Type:        "json",
			DisplayName: "JSON file",
			Description: "Array of objects, or an object wrapping one, on disk or inline",
		},
		Factory: func(ctx context.Context, descriptor map[string]any, opts datasource.Options) (datasource.Fetcher, error) {
			return NewAdapter(descriptor, opts)
		},
	})
}
