package mysql

import (
	"context"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.AdapterInfo{
			Type:        "mysql",
			DisplayName: "MySQL",
			Description: "Read a table or a SELECT from MySQL 5.7+ or MariaDB",
			Relational:  true,
		},
		Factory: func(ctx context.Context, descriptor map[string]any, opts datasource.Options) (datasource.Fetcher, error) {
			cfg, err := FromMap(descriptor)
			if err != nil {
				return nil, err
			}
			target, err := datasource.ParseRelationalTarget(descriptor, opts)
			if err != nil {
				return nil, err
			}
			return NewAdapter(ctx, cfg, target, opts)
		},
	})
}
