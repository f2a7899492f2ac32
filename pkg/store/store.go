// Package store is the unified analytical store: one embedded SQLite database
// holding every source's cleaned data plus ETL outputs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	etlsql "github.com/ekaya-inc/ekaya-etl/pkg/sql"
)

const stagingPrefix = "_staging_"

// Store persists frames under deterministic table names.
type Store interface {
	// Store replaces the data of a source under source_<normalized id> and returns the table name.
	Store(ctx context.Context, sourceID string, f *frame.Frame, schema *models.SchemaInfo) (string, error)
	// Replace atomically swaps the contents of table with f.
	Replace(ctx context.Context, table string, f *frame.Frame, schema *models.SchemaInfo) error
	// CreateTableAs materializes a single SELECT into table (replace semantics) and returns its row count.
	CreateTableAs(ctx context.Context, table, selectSQL string) (int64, error)
	Exists(ctx context.Context, table string) (bool, error)
	// Read returns up to limit rows (limit <= 0 reads all). A missing table yields an empty frame.
	Read(ctx context.Context, table string, limit int) (*frame.Frame, error)
	ListTables(ctx context.Context) ([]string, error)
	RowCount(ctx context.Context, table string) (int64, error)
	// NullRates returns the null fraction per column; empty tables report no columns.
	NullRates(ctx context.Context, table string) (map[string]float64, error)
	Drop(ctx context.Context, table string) error
	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu     sync.Mutex
	writes map[string]*sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the store database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// One connection serializes statements; pragmas below apply to it.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = OFF",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.Named("store"),
		writes: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// lockTable serializes writers of one table.
func (s *SQLiteStore) lockTable(table string) func() {
	s.mu.Lock()
	m, ok := s.writes[table]
	if !ok {
		m = &sync.Mutex{}
		s.writes[table] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Store writes f under the table derived from sourceID.
func (s *SQLiteStore) Store(ctx context.Context, sourceID string, f *frame.Frame, schema *models.SchemaInfo) (string, error) {
	table := sourceID
	if !etlsql.IsSourceTableName(sourceID) {
		table = etlsql.SourceTableName(sourceID)
	}
	if table == etlsql.SourceTablePrefix {
		return "", fmt.Errorf("source id %q has no alphanumeric characters", sourceID)
	}
	if err := s.Replace(ctx, table, f, schema); err != nil {
		return "", err
	}
	return table, nil
}

// Replace swaps table contents inside one transaction: rows go into a staging
// table, then the old table is dropped and the staging table renamed.
func (s *SQLiteStore) Replace(ctx context.Context, table string, f *frame.Frame, schema *models.SchemaInfo) error {
	if err := etlsql.ValidateIdentifier("table", table); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("frame is nil")
	}
	cols, err := columnSpecs(f, schema)
	if err != nil {
		return err
	}

	unlock := s.lockTable(table)
	defer unlock()

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := writeTable(ctx, tx, table, cols, f); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", table, err)
	}

	s.logger.Info("table replaced",
		zap.String("table", table),
		zap.Int("rows", f.NumRows()),
		zap.Int("columns", len(cols)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// CreateTableAs runs selectSQL and stores its result set as table.
func (s *SQLiteStore) CreateTableAs(ctx context.Context, table, selectSQL string) (int64, error) {
	if err := etlsql.ValidateIdentifier("table", table); err != nil {
		return 0, err
	}
	v := etlsql.ValidateAndNormalize(selectSQL)
	if v.Error != nil {
		return 0, v.Error
	}
	if v.NormalizedSQL == "" {
		return 0, fmt.Errorf("select statement is empty")
	}
	if referencesTable(v.NormalizedSQL, table) {
		return 0, fmt.Errorf("output table %s must not be read by its own statement", table)
	}

	unlock := s.lockTable(table)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	f, cols, err := queryFrame(ctx, tx, v.NormalizedSQL)
	if err != nil {
		return 0, err
	}
	if err := writeTable(ctx, tx, table, cols, f); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s: %w", table, err)
	}

	s.logger.Info("table materialized",
		zap.String("table", table),
		zap.Int("rows", f.NumRows()))
	return int64(f.NumRows()), nil
}

// Exists reports whether table is present.
func (s *SQLiteStore) Exists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return true, nil
}

// Read loads rows of table back into typed Go values.
func (s *SQLiteStore) Read(ctx context.Context, table string, limit int) (*frame.Frame, error) {
	if err := etlsql.ValidateIdentifier("table", table); err != nil {
		return nil, err
	}
	ok, err := s.Exists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return frame.New(), nil
	}

	query := "SELECT * FROM " + etlsql.QuoteIdentifier(table)
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	f, _, err := scanFrame(rows)
	return f, err
}

// ListTables returns user tables in name order.
func (s *SQLiteStore) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, stagingPrefix) {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// RowCount returns the number of rows in table, or 0 when it does not exist.
func (s *SQLiteStore) RowCount(ctx context.Context, table string) (int64, error) {
	if err := etlsql.ValidateIdentifier("table", table); err != nil {
		return 0, err
	}
	ok, err := s.Exists(ctx, table)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+etlsql.QuoteIdentifier(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// NullRates computes the null fraction of every column in one pass.
func (s *SQLiteStore) NullRates(ctx context.Context, table string) (map[string]float64, error) {
	if err := etlsql.ValidateIdentifier("table", table); err != nil {
		return nil, err
	}
	cols, err := s.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	rates := make(map[string]float64, len(cols))
	if len(cols) == 0 {
		return rates, nil
	}

	parts := make([]string, 0, len(cols)+1)
	parts = append(parts, "COUNT(*)")
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)", etlsql.QuoteIdentifier(c.Name)))
	}
	q := "SELECT " + strings.Join(parts, ", ") + " FROM " + etlsql.QuoteIdentifier(table)

	dest := make([]any, len(parts))
	counts := make([]sql.NullInt64, len(parts))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := s.db.QueryRowContext(ctx, q).Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to compute null rates for %s: %w", table, err)
	}

	total := counts[0].Int64
	if total == 0 {
		return map[string]float64{}, nil
	}
	for i, c := range cols {
		rates[c.Name] = float64(counts[i+1].Int64) / float64(total)
	}
	return rates, nil
}

// Drop removes table if it exists.
func (s *SQLiteStore) Drop(ctx context.Context, table string) error {
	if err := etlsql.ValidateIdentifier("table", table); err != nil {
		return err
	}
	unlock := s.lockTable(table)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+etlsql.QuoteIdentifier(table)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}
	s.logger.Info("table dropped", zap.String("table", table))
	return nil
}

func (s *SQLiteStore) tableColumns(ctx context.Context, table string) ([]columnSpec, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	var cols []columnSpec
	for rows.Next() {
		var c columnSpec
		if err := rows.Scan(&c.Name, &c.Decl); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// referencesTable is a conservative check that the quoted output table does not
// appear in the statement that produces it.
func referencesTable(query, table string) bool {
	return strings.Contains(query, etlsql.QuoteIdentifier(table)) ||
		containsWord(query, table)
}

func containsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(word)
		before := start == 0 || !isWordByte(s[start-1])
		after := end == len(s) || !isWordByte(s[end])
		if before && after {
			return true
		}
		i = end
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
