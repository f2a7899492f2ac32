package datasource

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
)

// Fetcher loads one data source into a raw frame.
// Each implementation may own a connection and must be closed when done.
type Fetcher interface {
	// Fetch reads the whole source. Column names are returned as the source spells them;
	// cleaning and typing happen in inference.
	Fetch(ctx context.Context) (*frame.Frame, error)

	// TestConnection verifies the source is reachable without reading it fully.
	TestConnection(ctx context.Context) error

	// Close releases resources held by the fetcher.
	Close() error
}

// PoolConnector abstracts connection pool operations across relational drivers
// so the ConnectionManager can health-check and close them uniformly.
type PoolConnector interface {
	// Ping verifies the connection is alive
	Ping(ctx context.Context) error

	// Close closes all connections in the pool
	Close() error

	// GetType returns the database type for logging/stats
	GetType() string
}

// Options carries process-wide settings into fetcher factories.
type Options struct {
	// Timeout bounds outbound connections and requests. It does not bound a scheduled run.
	Timeout time.Duration
	// MaxRows caps relational and API fetches when the descriptor sets no max_rows.
	MaxRows int
	// HTTPClient is used by the api and html fetchers; nil means a client with Timeout.
	HTTPClient *http.Client
	// ConnMgr reuses relational pools across refreshes; nil opens a pool per fetcher.
	ConnMgr *ConnectionManager
	Logger  *zap.Logger
}

// DefaultMaxRows is used when neither the descriptor nor Options sets a cap.
const DefaultMaxRows = 1_000_000

// HTTP returns the configured client, or one bounded by Timeout.
func (o Options) HTTP() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: o.Timeout}
}

// Log returns the configured logger or a no-op logger.
func (o Options) Log() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// RowCap resolves the row limit from the descriptor override, Options, then DefaultMaxRows.
func (o Options) RowCap(descriptor map[string]any) int {
	if n := IntValue(descriptor, "max_rows", 0); n > 0 {
		return n
	}
	if o.MaxRows > 0 {
		return o.MaxRows
	}
	return DefaultMaxRows
}
