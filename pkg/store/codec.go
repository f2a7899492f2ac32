package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	etlsql "github.com/ekaya-inc/ekaya-etl/pkg/sql"
)

// Declared column types. SQLite only keeps affinities, so the declared name
// is what tells Read how to rebuild Go values.
const (
	declText     = "TEXT"
	declInteger  = "INTEGER"
	declReal     = "REAL"
	declBoolean  = "BOOLEAN"
	declDate     = "DATE"
	declDatetime = "DATETIME"
)

type columnSpec struct {
	Name string
	Decl string
}

func declForType(t models.ColumnType) string {
	switch t {
	case models.ColumnTypeInteger:
		return declInteger
	case models.ColumnTypeFloat:
		return declReal
	case models.ColumnTypeBoolean:
		return declBoolean
	case models.ColumnTypeDate:
		return declDate
	case models.ColumnTypeDatetime:
		return declDatetime
	default:
		return declText
	}
}

// declFromValues picks a declared type from the Go values of a column.
func declFromValues(values []any) string {
	decl := ""
	for _, v := range values {
		var d string
		switch x := v.(type) {
		case nil:
			continue
		case int, int32, int64:
			d = declInteger
		case float32, float64:
			d = declReal
		case bool:
			d = declBoolean
		case time.Time:
			d = declDatetime
			if isMidnight(x) {
				d = declDate
			}
		default:
			return declText
		}
		switch {
		case decl == "":
			decl = d
		case decl == d:
		case (decl == declInteger && d == declReal) || (decl == declReal && d == declInteger):
			decl = declReal
		case (decl == declDate && d == declDatetime) || (decl == declDatetime && d == declDate):
			decl = declDatetime
		default:
			return declText
		}
	}
	if decl == "" {
		return declText
	}
	return decl
}

// normalizeDecl maps any SQLite declared type name onto one of ours, or "" when unknown.
func normalizeDecl(decl string) string {
	d := strings.ToUpper(strings.TrimSpace(decl))
	switch {
	case d == declBoolean || d == "BOOL":
		return declBoolean
	case d == declDatetime || d == "TIMESTAMP":
		return declDatetime
	case d == declDate:
		return declDate
	case strings.Contains(d, "INT"):
		return declInteger
	case strings.Contains(d, "REAL") || strings.Contains(d, "FLOA") || strings.Contains(d, "DOUB"):
		return declReal
	case strings.Contains(d, "CHAR") || strings.Contains(d, "CLOB") || strings.Contains(d, "TEXT"):
		return declText
	}
	return ""
}

func columnSpecs(f *frame.Frame, schema *models.SchemaInfo) ([]columnSpec, error) {
	specs := make([]columnSpec, len(f.Columns))
	seen := make(map[string]bool, len(f.Columns))
	for i, c := range f.Columns {
		if err := etlsql.ValidateIdentifier("column", c.Name); err != nil {
			return nil, err
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[key] = true

		decl := ""
		if cs, ok := schema.Column(c.Name); ok {
			decl = declForType(cs.Type)
		} else {
			decl = declFromValues(c.Values)
		}
		specs[i] = columnSpec{Name: c.Name, Decl: decl}
	}
	return specs, nil
}

// writeTable replaces table with f inside tx.
func writeTable(ctx context.Context, tx *sql.Tx, table string, cols []columnSpec, f *frame.Frame) error {
	staging := stagingPrefix + table
	qStaging := etlsql.QuoteIdentifier(staging)

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+qStaging); err != nil {
		return fmt.Errorf("failed to clear staging table: %w", err)
	}

	defs := make([]string, len(cols))
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = etlsql.QuoteIdentifier(c.Name) + " " + c.Decl
		names[i] = etlsql.QuoteIdentifier(c.Name)
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", qStaging, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create staging table for %s: %w", table, err)
	}

	if len(cols) > 0 && f.NumRows() > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			qStaging, strings.Join(names, ", "), strings.Join(marks, ", ")))
		if err != nil {
			return fmt.Errorf("failed to prepare insert for %s: %w", table, err)
		}
		defer stmt.Close()

		args := make([]any, len(cols))
		for r := 0; r < f.NumRows(); r++ {
			for j, c := range f.Columns {
				args[j] = encodeValue(c.Values[r], cols[j].Decl)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to insert row %d into %s: %w", r, table, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+etlsql.QuoteIdentifier(table)); err != nil {
		return fmt.Errorf("failed to drop previous %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", qStaging, etlsql.QuoteIdentifier(table))); err != nil {
		return fmt.Errorf("failed to swap %s: %w", table, err)
	}
	return nil
}

// queryFrame runs query inside tx and returns its rows with declared types.
// Expression columns without a declared type get one from their values, and
// duplicate result names (SELECT * over a join) are suffixed _1, _2, ...
func queryFrame(ctx context.Context, tx *sql.Tx, query string) (*frame.Frame, []columnSpec, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute select: %w", err)
	}
	defer rows.Close()

	f, specs, err := scanFrame(rows)
	if err != nil {
		return nil, nil, err
	}

	used := make(map[string]bool, len(specs))
	for i := range specs {
		name := etlsql.SanitizeIdentifier(specs[i].Name)
		candidate := name
		for n := 1; used[strings.ToLower(candidate)]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		used[strings.ToLower(candidate)] = true
		specs[i].Name = candidate
		f.Columns[i].Name = candidate
		if specs[i].Decl == "" {
			specs[i].Decl = declFromValues(f.Columns[i].Values)
		}
	}
	return f, specs, nil
}

// scanFrame reads all rows, converting values by declared type.
func scanFrame(rows *sql.Rows) (*frame.Frame, []columnSpec, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read column types: %w", err)
	}

	specs := make([]columnSpec, len(types))
	f := &frame.Frame{Columns: make([]*frame.Column, len(types))}
	for i, t := range types {
		specs[i] = columnSpec{Name: t.Name(), Decl: normalizeDecl(t.DatabaseTypeName())}
		f.Columns[i] = &frame.Column{Name: t.Name()}
	}

	raw := make([]any, len(types))
	dest := make([]any, len(types))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range raw {
			f.Columns[i].Values = append(f.Columns[i].Values, decodeValue(v, specs[i].Decl))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return f, specs, nil
}

func encodeValue(v any, decl string) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		if decl == declDate {
			return x.Format("2006-01-02")
		}
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case string, int64, float64:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func decodeValue(v any, decl string) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	switch decl {
	case declBoolean:
		switch x := v.(type) {
		case int64:
			return x != 0
		case float64:
			return x != 0
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b
			}
		}
	case declDate, declDatetime:
		switch x := v.(type) {
		case string:
			if t, err := parseStoredTime(x); err == nil {
				return t
			}
		case time.Time:
			return x.UTC()
		}
	case declReal:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	case declInteger:
		if f, ok := v.(float64); ok && f == math.Trunc(f) && f >= -9.223372036854775808e18 && f < 9.223372036854775808e18 {
			return int64(f)
		}
	}
	return v
}

func parseStoredTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
