package mysql

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/config"
)

// Config contains MySQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      string // "", "true", "skip-verify", "preferred"
}

// DefaultPort returns the default MySQL port.
func DefaultPort() int {
	return 3306
}

// FromMap creates a Config from a connection descriptor.
func FromMap(descriptor map[string]any) (*Config, error) {
	cfg := &Config{
		Host:     datasource.StringValue(descriptor, "host", ""),
		Port:     datasource.IntValue(descriptor, "port", DefaultPort()),
		User:     datasource.StringValue(descriptor, "user", ""),
		Password: datasource.StringValue(descriptor, "password", ""),
		Database: datasource.StringValue(descriptor, "database", datasource.StringValue(descriptor, "name", "")),
		TLS:      datasource.StringValue(descriptor, "tls", ""),
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

// DSN formats the driver DSN. parseTime makes DATE and DATETIME scan as time.Time.
func (c *Config) DSN(timeout time.Duration) string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", config.ResolveHostForDocker(c.Host), c.Port)
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.TLSConfig = c.TLS
	if timeout > 0 {
		mc.Timeout = timeout
	}
	return mc.FormatDSN()
}
