package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultConfigPath is read when it exists; otherwise only the environment is used.
const DefaultConfigPath = "config.yaml"

// Metadata database backends.
const (
	DatabaseTypeMemory   = "memory"
	DatabaseTypePostgres = "postgres"
)

// Config holds all configuration for ekaya-etl.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3450"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Metadata database (data sources, operations, jobs, run logs)
	Database DatabaseConfig `yaml:"database"`

	// Analytical store holding source tables and ETL outputs
	Store StoreConfig `yaml:"store"`

	Inference     InferenceConfig    `yaml:"inference"`
	Relationships RelationshipConfig `yaml:"relationships"`
	Workflow      WorkflowConfig     `yaml:"workflow"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Datasource    DatasourceConfig   `yaml:"datasource"`

	// CredentialsKey seals connection descriptors at rest.
	// Base64 32-byte key (openssl rand -base64 32) or a passphrase.
	// Required when the metadata database is postgres.
	CredentialsKey string `yaml:"-" env:"ETL_CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig selects and configures the metadata database.
type DatabaseConfig struct {
	Type           string `yaml:"type" env:"ETL_DB_TYPE" env-default:"memory"`
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_etl"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// StoreConfig configures the embedded analytical store.
type StoreConfig struct {
	Path string `yaml:"path" env:"ETL_STORE_PATH" env-default:"data/analytics.db"`
}

// InferenceConfig holds the schema inference thresholds.
type InferenceConfig struct {
	SampleSize            int     `yaml:"sample_size" env:"ETL_INFER_SAMPLE_SIZE" env-default:"100"`
	DateSampleMatchRatio  float64 `yaml:"date_sample_match_ratio" env:"ETL_INFER_DATE_SAMPLE_RATIO" env-default:"0.6"`
	DateParseSuccessRatio float64 `yaml:"date_parse_success_ratio" env:"ETL_INFER_DATE_PARSE_RATIO" env-default:"0.8"`
	NumericSuccessRatio   float64 `yaml:"numeric_success_ratio" env:"ETL_INFER_NUMERIC_RATIO" env-default:"0.9"`
	SampleValues          int     `yaml:"sample_values" env:"ETL_INFER_SAMPLE_VALUES" env-default:"5"`
}

// RelationshipConfig tunes cross-source join detection.
type RelationshipConfig struct {
	MinConfidence float64 `yaml:"min_confidence" env:"ETL_REL_MIN_CONFIDENCE" env-default:"0.6"`
	TopN          int     `yaml:"top_n" env:"ETL_REL_TOP_N" env-default:"10"`
}

// WorkflowConfig holds stage gate thresholds.
type WorkflowConfig struct {
	// MaxNullRate is the highest null share a non-sparse column may have at etl_completed.
	MaxNullRate float64 `yaml:"max_null_rate" env:"ETL_WORKFLOW_MAX_NULL_RATE" env-default:"0.5"`
}

// SchedulerConfig configures the job tick loop and the defaults applied to new jobs.
type SchedulerConfig struct {
	Enabled                  bool          `yaml:"enabled" env:"ETL_SCHEDULER_ENABLED" env-default:"true"`
	TickInterval             time.Duration `yaml:"tick_interval" env:"ETL_SCHEDULER_TICK" env-default:"1m"`
	Workers                  int           `yaml:"workers" env:"ETL_SCHEDULER_WORKERS" env-default:"4"`
	DefaultMaxRetries        int           `yaml:"default_max_retries" env:"ETL_JOB_MAX_RETRIES" env-default:"3"`
	DefaultRetryDelayMinutes int           `yaml:"default_retry_delay_minutes" env:"ETL_JOB_RETRY_DELAY_MINUTES" env-default:"5"`
	DefaultFailureThreshold  int           `yaml:"default_failure_threshold" env:"ETL_JOB_FAILURE_THRESHOLD" env-default:"3"`
}

// DatasourceConfig holds outbound source fetch settings.
type DatasourceConfig struct {
	// FetchTimeout bounds each outbound connection; it does not cancel a running job.
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"ETL_FETCH_TIMEOUT" env-default:"30s"`
	FetchRetries int           `yaml:"fetch_retries" env:"ETL_FETCH_RETRIES" env-default:"2"`
	// MaxRows caps relational and API fetches when the descriptor sets no max_rows.
	MaxRows int `yaml:"max_rows" env:"ETL_FETCH_MAX_ROWS" env-default:"1000000"`
	// Pooled relational connections idle longer than this are closed.
	ConnectionTTLMinutes  int `yaml:"connection_ttl_minutes" env:"ETL_CONN_TTL_MINUTES" env-default:"5"`
	MaxConnectionsPerType int `yaml:"max_connections_per_type" env:"ETL_CONN_MAX_PER_TYPE" env-default:"10"`
}

// Load reads DefaultConfigPath (when present) with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom(DefaultConfigPath, version)
}

// LoadFrom is Load with an explicit YAML path. A missing file is not an error.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case errors.Is(statErr, os.ErrNotExist):
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to stat %s: %w", path, statErr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case DatabaseTypeMemory:
	case DatabaseTypePostgres:
		if c.CredentialsKey == "" {
			return fmt.Errorf("ETL_CREDENTIALS_KEY is required when database.type is %q", DatabaseTypePostgres)
		}
	default:
		return fmt.Errorf("database.type must be %q or %q, got %q", DatabaseTypeMemory, DatabaseTypePostgres, c.Database.Type)
	}

	for name, v := range map[string]float64{
		"inference.date_sample_match_ratio":  c.Inference.DateSampleMatchRatio,
		"inference.date_parse_success_ratio": c.Inference.DateParseSuccessRatio,
		"inference.numeric_success_ratio":    c.Inference.NumericSuccessRatio,
		"relationships.min_confidence":       c.Relationships.MinConfidence,
		"workflow.max_null_rate":             c.Workflow.MaxNullRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}

	if c.Inference.SampleSize <= 0 {
		return fmt.Errorf("inference.sample_size must be positive")
	}
	if c.Relationships.TopN <= 0 {
		return fmt.Errorf("relationships.top_n must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be at least 1s, got %s", c.Scheduler.TickInterval)
	}
	if c.Scheduler.DefaultFailureThreshold <= 0 {
		return fmt.Errorf("scheduler.default_failure_threshold must be positive")
	}
	if c.Datasource.FetchTimeout <= 0 {
		return fmt.Errorf("datasource.fetch_timeout must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return c.BindAddr + ":" + c.Port
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
