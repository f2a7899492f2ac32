// Package mssql reads SQL Server tables and queries through go-mssqldb.
package mssql

import (
	"context"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"github.com/microsoft/go-mssqldb/azuread"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

// DriverName picks the database/sql driver for an auth method. Service principal
// logins go through the azuread driver, which acquires the token itself.
func DriverName(authMethod string) string {
	if authMethod == AuthServicePrincipal {
		return azuread.DriverName
	}
	return "sqlserver"
}

// NewAdapter creates a SQL Server fetcher.
func NewAdapter(ctx context.Context, cfg *Config, target *datasource.RelationalTarget, opts datasource.Options) (*datasource.SQLFetcher, error) {
	return datasource.NewSQLFetcher(ctx, datasource.SQLFetcherConfig{
		Type:       "mssql",
		DriverName: DriverName(cfg.AuthMethod),
		DSN:        cfg.ConnectionString(),
		Dialect:    datasource.DialectMSSQL,
		Target:     target,
	}, opts)
}
