// Package postgres reads PostgreSQL tables and queries through pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
)

// Adapter provides PostgreSQL connectivity.
type Adapter struct {
	config    *Config
	target    *datasource.RelationalTarget
	pool      *pgxpool.Pool
	ownedPool bool // true if we created the pool (no connection manager)
	logger    *zap.Logger
}

// NewAdapter creates a PostgreSQL adapter, reusing a pool from the connection
// manager when one is configured.
func NewAdapter(ctx context.Context, cfg *Config, target *datasource.RelationalTarget, opts datasource.Options) (*Adapter, error) {
	connStr := cfg.ConnectionString()

	open := func(ctx context.Context) (datasource.PoolConnector, error) {
		poolCfg, err := pgxpool.ParseConfig(connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connection string: %s", logging.SanitizeError(err))
		}
		if opts.Timeout > 0 {
			poolCfg.ConnConfig.ConnectTimeout = opts.Timeout
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %s", logging.SanitizeError(err))
		}
		return datasource.NewPostgresPoolWrapper(pool), nil
	}

	a := &Adapter{
		config: cfg,
		target: target,
		logger: opts.Log().Named("postgres"),
	}

	if opts.ConnMgr == nil {
		conn, err := open(ctx)
		if err != nil {
			return nil, err
		}
		a.pool, _ = datasource.GetPostgresPool(conn)
		a.ownedPool = true
		return a, nil
	}

	conn, err := opts.ConnMgr.GetOrCreate(ctx, datasource.ConnectionKey("postgres", connStr), open)
	if err != nil {
		return nil, fmt.Errorf("failed to get pooled connection: %w", err)
	}
	pool, err := datasource.GetPostgresPool(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to extract postgres pool: %w", err)
	}
	a.pool = pool
	return a, nil
}

// Fetch runs the target statement and returns up to MaxRows rows.
func (a *Adapter) Fetch(ctx context.Context) (*frame.Frame, error) {
	stmt := a.target.SelectSQL(datasource.DialectANSI)
	a.logger.Debug("fetching postgres source", zap.String("query", logging.SanitizeQuery(stmt)))

	rows, err := a.pool.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("query failed: %s", logging.SanitizeError(err))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	header := make([]string, len(fields))
	for i, fd := range fields {
		header[i] = fd.Name
	}

	var data [][]any
	for rows.Next() {
		if len(data) >= a.target.MaxRows {
			a.logger.Warn("row cap reached, source truncated", zap.Int("max_rows", a.target.MaxRows))
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		for i, v := range values {
			values[i] = datasource.NormalizeValue(v)
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %s", logging.SanitizeError(err))
	}

	return frame.FromRows(header, data), nil
}

// TestConnection verifies the database is reachable with valid credentials.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %s", logging.SanitizeError(err))
	}

	var result int
	if err := a.pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("test query failed: %s", logging.SanitizeError(err))
	}
	return nil
}

// Close releases the adapter (but NOT the pool if managed).
func (a *Adapter) Close() error {
	if a.ownedPool && a.pool != nil {
		a.pool.Close()
	}
	return nil
}

var _ datasource.Fetcher = (*Adapter)(nil)
