package mssql

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/config"
)

// Auth methods supported by the adapter.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

// Config contains SQL Server-specific connection options.
type Config struct {
	Host     string
	Port     int
	Database string

	// AuthMethod is "sql" or "service_principal"
	AuthMethod string

	// SQL Authentication fields
	Username string
	Password string

	// Service Principal (Azure AD) fields
	TenantID     string
	ClientID     string
	ClientSecret string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// FromMap creates a Config from a connection descriptor and auto-detects the auth method.
func FromMap(descriptor map[string]any) (*Config, error) {
	cfg := &Config{
		Host:                   datasource.StringValue(descriptor, "host", ""),
		Port:                   datasource.IntValue(descriptor, "port", DefaultPort()),
		Database:               datasource.StringValue(descriptor, "database", datasource.StringValue(descriptor, "name", "")),
		Encrypt:                true,
		TrustServerCertificate: datasource.BoolValue(descriptor, "trust_server_certificate", false),
		ConnectionTimeout:      datasource.IntValue(descriptor, "connection_timeout", DefaultConnectionTimeout()),
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}

	// "strict" is accepted as an alias for true
	switch v := descriptor["encrypt"].(type) {
	case bool:
		cfg.Encrypt = v
	case string:
		cfg.Encrypt = v == "true" || v == "strict"
	}

	cfg.AuthMethod = datasource.StringValue(descriptor, "auth_method", "")
	if cfg.AuthMethod == "" {
		// Priority: client_id > username/user
		switch {
		case datasource.StringValue(descriptor, "client_id", "") != "":
			cfg.AuthMethod = AuthServicePrincipal
		case datasource.StringValue(descriptor, "username", datasource.StringValue(descriptor, "user", "")) != "":
			cfg.AuthMethod = AuthSQL
		default:
			return nil, fmt.Errorf("could not auto-detect auth method; no credentials provided")
		}
	}

	switch cfg.AuthMethod {
	case AuthSQL:
		cfg.Username = datasource.StringValue(descriptor, "username", datasource.StringValue(descriptor, "user", ""))
		if cfg.Username == "" {
			return nil, fmt.Errorf("username is required for SQL authentication")
		}
		cfg.Password = datasource.StringValue(descriptor, "password", "")

	case AuthServicePrincipal:
		cfg.TenantID = datasource.StringValue(descriptor, "tenant_id", "")
		cfg.ClientID = datasource.StringValue(descriptor, "client_id", "")
		cfg.ClientSecret = datasource.StringValue(descriptor, "client_secret", "")
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("tenant_id is required for service principal authentication")
		}
		if cfg.ClientID == "" {
			return nil, fmt.Errorf("client_id is required for service principal authentication")
		}
		if cfg.ClientSecret == "" {
			return nil, fmt.Errorf("client_secret is required for service principal authentication")
		}

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", cfg.AuthMethod)
	}

	return cfg, nil
}

// ConnectionString builds a sqlserver:// URL for the configured auth method.
func (c *Config) ConnectionString() string {
	query := url.Values{}
	query.Add("database", c.Database)
	query.Add("encrypt", strconv.FormatBool(c.Encrypt))
	if c.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		query.Add("connection timeout", strconv.Itoa(c.ConnectionTimeout))
	}

	host := config.ResolveHostForDocker(c.Host)

	if c.AuthMethod == AuthServicePrincipal {
		query.Add("fedauth", "ActiveDirectoryServicePrincipal")
		query.Add("user id", c.ClientID+"@"+c.TenantID)
		query.Add("password", c.ClientSecret)
		return fmt.Sprintf("sqlserver://%s:%d?%s", host, c.Port, query.Encode())
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", host, c.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}
