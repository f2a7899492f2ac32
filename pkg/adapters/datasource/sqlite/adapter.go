// Package sqlite reads tables and queries from SQLite database files through modernc.org/sqlite.
package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"os"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
)

// Config contains SQLite-specific connection options.
type Config struct {
	Path string
}

// FromMap creates a Config from a connection descriptor.
func FromMap(descriptor map[string]any) (*Config, error) {
	cfg := &Config{Path: datasource.StringValue(descriptor, "path", "")}
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return cfg, nil
}

// DSN opens the file read-only so a source can never be modified by a fetch.
func (c *Config) DSN() string {
	return "file:" + (&url.URL{Path: c.Path}).EscapedPath() + "?mode=ro"
}

// NewAdapter creates a SQLite fetcher. A missing file is reported up front;
// read-only mode would otherwise fail later with a less useful message.
func NewAdapter(ctx context.Context, cfg *Config, target *datasource.RelationalTarget, opts datasource.Options) (*datasource.SQLFetcher, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("sqlite database not accessible: %w", err)
	}
	return datasource.NewSQLFetcher(ctx, datasource.SQLFetcherConfig{
		Type:       "sqlite",
		DriverName: "sqlite",
		DSN:        cfg.DSN(),
		Dialect:    datasource.DialectANSI,
		Target:     target,
	}, opts)
}
