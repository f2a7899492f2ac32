package csvfile

import (
	"context"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.AdapterInfo{
			Type:        "csv",
			DisplayName: "CSV file",
			Description: "Delimited text file on disk or supplied inline",
		},
		Factory: func(ctx context.Context, descriptor map[string]any, opts datasource.Options) (datasource.Fetcher, error) {
			return NewAdapter(descriptor, opts)
		},
	})
}
