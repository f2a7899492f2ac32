package mssql

import (
	"context"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.AdapterInfo{
			Type:        "mssql",
			DisplayName: "Microsoft SQL Server",
			Description: "Read a table or a SELECT from SQL Server 2016+ or Azure SQL Database",
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
