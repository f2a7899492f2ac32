package htmltable

import (
	"context"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.AdapterInfo{
			Type:        "html",
			DisplayName: "HTML table",
			Description: "A <table> from a web page, local file, or inline HTML",
		},
		Factory: func(ctx context.Context, descriptor map[string]any, opts datasource.Options) (datasource.Fetcher, error) {
			cfg, err := FromMap(descriptor)
			if err != nil {
				return nil, err
			}
			return NewAdapter(cfg, opts), nil
		},
	})
}
