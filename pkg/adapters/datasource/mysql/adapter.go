// Package mysql reads MySQL and MariaDB tables and queries through go-sql-driver/mysql.
package mysql

import (
	"context"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

// NewAdapter creates a MySQL fetcher.
func NewAdapter(ctx context.Context, cfg *Config, target *datasource.RelationalTarget, opts datasource.Options) (*datasource.SQLFetcher, error) {
	return datasource.NewSQLFetcher(ctx, datasource.SQLFetcherConfig{
		Type:       "mysql",
		DriverName: "mysql",
		DSN:        cfg.DSN(opts.Timeout),
		Dialect:    datasource.DialectMySQL,
		Target:     target,
	}, opts)
}
