package postgres

import (
	"fmt"
	"net/url"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/config"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	URL      string // full connection URL, used instead of the discrete fields
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromMap creates a Config from a connection descriptor.
func FromMap(descriptor map[string]any) (*Config, error) {
	cfg := &Config{
		URL:      datasource.StringValue(descriptor, "url", ""),
		Host:     datasource.StringValue(descriptor, "host", ""),
		Port:     datasource.IntValue(descriptor, "port", DefaultPort()),
		User:     datasource.StringValue(descriptor, "user", ""),
		Password: datasource.StringValue(descriptor, "password", ""),
		Database: datasource.StringValue(descriptor, "database", datasource.StringValue(descriptor, "name", "")),
		SSLMode:  datasource.StringValue(descriptor, "ssl_mode", DefaultSSLMode()),
	}
	if cfg.URL != "" {
		return cfg, nil
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	return cfg, nil
}

// ConnectionString builds a PostgreSQL URL with every user-provided field escaped.
// When running in Docker, localhost resolves to host.docker.internal.
func (c *Config) ConnectionString() string {
	if c.URL != "" {
		return config.ResolveURLForDocker(c.URL)
	}
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		config.ResolveHostForDocker(c.Host),
		c.Port,
		url.QueryEscape(c.Database),
		url.QueryEscape(c.SSLMode),
	)
}
