package datasource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
	"github.com/ekaya-inc/ekaya-etl/pkg/retry"
	etlsql "github.com/ekaya-inc/ekaya-etl/pkg/sql"
)

// Dialect selects identifier quoting and row limiting for generated SELECTs.
type Dialect int

const (
	// DialectANSI quotes with double quotes and limits with LIMIT (postgres, sqlite).
	DialectANSI Dialect = iota
	// DialectMySQL quotes with backticks and limits with LIMIT.
	DialectMySQL
	// DialectMSSQL quotes with brackets and limits with TOP.
	DialectMSSQL
)

// ErrTargetRequired is returned when a relational descriptor names neither a table nor a query.
var ErrTargetRequired = errors.New("exactly one of \"table\" or \"query\" is required")

// RelationalTarget is what a relational source reads: a whole table or one SELECT.
type RelationalTarget struct {
	Schema  string
	Table   string
	Query   string
	MaxRows int
}

// ParseRelationalTarget reads table/schema/query from a descriptor. Table and schema
// must be plain identifiers; a query must be a single read-only statement.
func ParseRelationalTarget(descriptor map[string]any, opts Options) (*RelationalTarget, error) {
	t := &RelationalTarget{
		Schema:  StringValue(descriptor, "schema", ""),
		Table:   StringValue(descriptor, "table", ""),
		Query:   StringValue(descriptor, "query", ""),
		MaxRows: opts.RowCap(descriptor),
	}

	if (t.Table == "") == (t.Query == "") {
		return nil, ErrTargetRequired
	}

	if t.Query != "" {
		result := etlsql.ValidateAndNormalize(t.Query)
		if result.Error != nil {
			return nil, fmt.Errorf("invalid query: %w", result.Error)
		}
		t.Query = result.NormalizedSQL
		return t, nil
	}

	if err := etlsql.ValidateIdentifier("table", t.Table); err != nil {
		return nil, err
	}
	if t.Schema != "" {
		if err := etlsql.ValidateIdentifier("schema", t.Schema); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SelectSQL renders the statement to run. A user query runs as written and the
// row cap is applied while scanning.
func (t *RelationalTarget) SelectSQL(d Dialect) string {
	if t.Query != "" {
		return t.Query
	}

	name := quote(d, t.Table)
	if t.Schema != "" {
		name = quote(d, t.Schema) + "." + name
	}

	if d == DialectMSSQL {
		return fmt.Sprintf("SELECT TOP (%d) * FROM %s", t.MaxRows, name)
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", name, t.MaxRows)
}

func quote(d Dialect, ident string) string {
	switch d {
	case DialectMySQL:
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	case DialectMSSQL:
		return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
	default:
		return etlsql.QuoteIdentifier(ident)
	}
}

// ScanRows drains rows into a frame, stopping after max rows.
func ScanRows(rows *sql.Rows, max int) (*frame.Frame, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var data [][]any
	for rows.Next() {
		if max > 0 && len(data) >= max {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = NormalizeValue(v)
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return frame.FromRows(cols, data), nil
}

// NormalizeValue converts driver values into the small set of Go types
// inference understands: string, int64, float64, bool, time.Time and nil.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, int64, float64, bool, time.Time:
		return t
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case [16]byte:
		return uuid.UUID(t).String()
	case uuid.UUID:
		return t.String()
	case driver.Valuer:
		inner, err := t.Value()
		if err != nil {
			return nil
		}
		if _, again := inner.(driver.Valuer); again {
			return fmt.Sprint(inner)
		}
		return NormalizeValue(inner)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// SQLFetcherConfig describes a database/sql backed source.
type SQLFetcherConfig struct {
	Type       string // registry type, also the pool key prefix
	DriverName string // database/sql driver name
	DSN        string
	Dialect    Dialect
	Target     *RelationalTarget
}

// SQLFetcher reads a table or query through database/sql. It serves the mssql,
// mysql and sqlite adapters.
type SQLFetcher struct {
	cfg     SQLFetcherConfig
	db      *sql.DB
	logger  *zap.Logger
	poolKey string
	connMgr *ConnectionManager
	ownedDB bool // true if we created the handle (no connection manager)
	timeout time.Duration
	closed  bool
}

// NewSQLFetcher opens (or reuses through the connection manager) a handle for cfg.
func NewSQLFetcher(ctx context.Context, cfg SQLFetcherConfig, opts Options) (*SQLFetcher, error) {
	f := &SQLFetcher{
		cfg:     cfg,
		logger:  opts.Log().Named(cfg.Type),
		connMgr: opts.ConnMgr,
		poolKey: ConnectionKey(cfg.Type, cfg.DSN),
		timeout: opts.Timeout,
	}

	open := func(ctx context.Context) (PoolConnector, error) {
		db, err := sql.Open(cfg.DriverName, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s connection: %s", cfg.Type, logging.SanitizeError(err))
		}
		pingCtx := ctx
		if f.timeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, f.timeout)
			defer cancel()
		}
		if err := retry.DoIfRetryable(pingCtx, retry.DefaultConfig(), func() error {
			return db.PingContext(pingCtx)
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to %s: %s", cfg.Type, logging.SanitizeError(err))
		}
		return NewSQLDBWrapper(cfg.Type, db), nil
	}

	if f.connMgr == nil {
		conn, err := open(ctx)
		if err != nil {
			return nil, err
		}
		f.db, _ = GetSQLDB(conn)
		f.ownedDB = true
		return f, nil
	}

	conn, err := f.connMgr.GetOrCreate(ctx, f.poolKey, open)
	if err != nil {
		return nil, err
	}
	db, err := GetSQLDB(conn)
	if err != nil {
		return nil, err
	}
	f.db = db
	return f, nil
}

// Fetch runs the target statement and returns up to MaxRows rows.
func (f *SQLFetcher) Fetch(ctx context.Context) (*frame.Frame, error) {
	stmt := f.cfg.Target.SelectSQL(f.cfg.Dialect)
	f.logger.Debug("fetching relational source", zap.String("query", logging.SanitizeQuery(stmt)))

	rows, err := f.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("query failed: %s", logging.SanitizeError(err))
	}
	fr, err := ScanRows(rows, f.cfg.Target.MaxRows)
	if err != nil {
		return nil, err
	}
	if fr.NumRows() >= f.cfg.Target.MaxRows {
		f.logger.Warn("row cap reached, source truncated", zap.Int("max_rows", f.cfg.Target.MaxRows))
	}
	return fr, nil
}

// TestConnection pings the database.
func (f *SQLFetcher) TestConnection(ctx context.Context) error {
	if err := f.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connection test failed: %s", logging.SanitizeError(err))
	}
	return nil
}

// Close releases the handle if this fetcher owns it. Pooled handles stay open
// for the connection manager to expire.
func (f *SQLFetcher) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.ownedDB && f.db != nil {
		return f.db.Close()
	}
	return nil
}

// DB exposes the handle for adapters that need driver-specific queries.
func (f *SQLFetcher) DB() *sql.DB {
	return f.db
}

// Ensure SQLFetcher implements Fetcher at compile time.
var _ Fetcher = (*SQLFetcher)(nil)
