package sql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

var (
	joinTypes = map[string]string{
		"INNER": "INNER JOIN",
		"LEFT":  "LEFT JOIN",
		"RIGHT": "RIGHT JOIN",
		"FULL":  "FULL OUTER JOIN",
	}

	aggregateFunctions = map[string]bool{
		"SUM":   true,
		"COUNT": true,
		"AVG":   true,
		"MIN":   true,
		"MAX":   true,
	}
)

// Aggregation is one output column of an aggregate operation.
type Aggregation struct {
	Function string
	Column   string
}

// Alias returns the output column name, e.g. sum_sales or count_all.
func (a Aggregation) Alias() string {
	col := a.Column
	if col == "*" {
		col = "all"
	}
	return strings.ToLower(a.Function) + "_" + col
}

// Synthesize produces the SQL for an ETL operation. It is pure: every table and column
// name is validated and quoted, and nothing is executed.
//
// The transform operation has no SQL form and returns an empty string after its
// parameters validate; it is applied in memory by the caller.
func Synthesize(opType models.OperationType, tables []string, params map[string]any) (string, error) {
	for _, t := range tables {
		if err := ValidateIdentifier("table", t); err != nil {
			return "", invalidIdent(opType, "source_tables", err)
		}
	}

	switch opType {
	case models.OperationTypeJoin:
		return synthesizeJoin(tables, params)
	case models.OperationTypeUnion:
		return synthesizeUnion(tables, params)
	case models.OperationTypeAggregate:
		return synthesizeAggregate(tables, params)
	case models.OperationTypeTransform:
		_, err := TransformColumns(tables, params)
		return "", err
	default:
		return "", apperrors.NewUnsupportedOperationError(string(opType))
	}
}

func synthesizeJoin(tables []string, params map[string]any) (string, error) {
	op := models.OperationTypeJoin
	if len(tables) != 2 {
		return "", invalidParam(op, "source_tables", fmt.Sprintf("join requires exactly 2 tables, got %d", len(tables)))
	}

	left, err := requiredColumn(op, params, "left_column")
	if err != nil {
		return "", err
	}
	right, err := requiredColumn(op, params, "right_column")
	if err != nil {
		return "", err
	}

	joinType := "INNER"
	if raw, ok := params["join_type"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return "", invalidParam(op, "join_type", "must be a string")
		}
		joinType = strings.ToUpper(strings.TrimSpace(s))
	}
	clause, ok := joinTypes[joinType]
	if !ok {
		return "", invalidParam(op, "join_type", fmt.Sprintf("unsupported join type %q", joinType))
	}

	t1, t2 := QuoteIdentifier(tables[0]), QuoteIdentifier(tables[1])
	return fmt.Sprintf("SELECT * FROM %s %s %s ON %s.%s = %s.%s",
		t1, clause, t2,
		t1, QuoteIdentifier(left),
		t2, QuoteIdentifier(right)), nil
}

func synthesizeUnion(tables []string, params map[string]any) (string, error) {
	if len(tables) < 2 {
		return "", invalidParam(models.OperationTypeUnion, "source_tables",
			fmt.Sprintf("union requires at least 2 tables, got %d", len(tables)))
	}

	// Anything other than UNION ALL falls back to UNION.
	keyword := "UNION"
	if s, ok := params["union_type"].(string); ok {
		if strings.Join(strings.Fields(strings.ToUpper(s)), " ") == "UNION ALL" {
			keyword = "UNION ALL"
		}
	}

	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = "SELECT * FROM " + QuoteIdentifier(t)
	}
	return strings.Join(parts, " "+keyword+" "), nil
}

func synthesizeAggregate(tables []string, params map[string]any) (string, error) {
	op := models.OperationTypeAggregate
	if len(tables) != 1 {
		return "", invalidParam(op, "source_tables", fmt.Sprintf("aggregate requires exactly 1 table, got %d", len(tables)))
	}

	groupBy, err := stringList(params["group_by"])
	if err != nil {
		return "", invalidParam(op, "group_by", err.Error())
	}
	if len(groupBy) == 0 {
		return "", invalidParam(op, "group_by", "at least one column is required")
	}
	for _, c := range groupBy {
		if err := ValidateIdentifier("column", c); err != nil {
			return "", invalidIdent(op, "group_by", err)
		}
	}

	aggs, err := ParseAggregations(params["aggregations"])
	if err != nil {
		return "", err
	}

	selectList := make([]string, 0, len(groupBy)+len(aggs))
	groupList := make([]string, len(groupBy))
	for i, c := range groupBy {
		groupList[i] = QuoteIdentifier(c)
		selectList = append(selectList, QuoteIdentifier(c))
	}
	for _, a := range aggs {
		arg := "*"
		if a.Column != "*" {
			arg = QuoteIdentifier(a.Column)
		}
		selectList = append(selectList, fmt.Sprintf("%s(%s) AS %s", a.Function, arg, QuoteIdentifier(a.Alias())))
	}

	return fmt.Sprintf("SELECT %s FROM %s GROUP BY %s",
		strings.Join(selectList, ", "),
		QuoteIdentifier(tables[0]),
		strings.Join(groupList, ", ")), nil
}

// ParseAggregations accepts either a list of {"function", "column"} objects or a
// column -> function map, and validates every entry.
func ParseAggregations(raw any) ([]Aggregation, error) {
	op := models.OperationTypeAggregate
	var aggs []Aggregation

	switch v := raw.(type) {
	case nil:
	case []any:
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, invalidParam(op, "aggregations", fmt.Sprintf("entry %d must be an object", i))
			}
			fn, _ := m["function"].(string)
			col, _ := m["column"].(string)
			aggs = append(aggs, Aggregation{Function: fn, Column: col})
		}
	case []map[string]any:
		for _, m := range v {
			fn, _ := m["function"].(string)
			col, _ := m["column"].(string)
			aggs = append(aggs, Aggregation{Function: fn, Column: col})
		}
	case []Aggregation:
		aggs = append(aggs, v...)
	case map[string]any:
		cols := make([]string, 0, len(v))
		for col := range v {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			fn, _ := v[col].(string)
			aggs = append(aggs, Aggregation{Function: fn, Column: col})
		}
	default:
		return nil, invalidParam(op, "aggregations", "must be a list of {function, column} objects")
	}

	if len(aggs) == 0 {
		return nil, invalidParam(op, "aggregations", "at least one aggregation is required")
	}

	for i := range aggs {
		aggs[i].Function = strings.ToUpper(strings.TrimSpace(aggs[i].Function))
		aggs[i].Column = strings.TrimSpace(aggs[i].Column)
		a := aggs[i]
		if !aggregateFunctions[a.Function] {
			return nil, invalidParam(op, "aggregations", fmt.Sprintf("unsupported function %q", a.Function))
		}
		if a.Column == "*" {
			if a.Function != "COUNT" {
				return nil, invalidParam(op, "aggregations", fmt.Sprintf("%s(*) is not allowed", a.Function))
			}
			continue
		}
		if err := ValidateIdentifier("column", a.Column); err != nil {
			return nil, invalidIdent(op, "aggregations", err)
		}
	}
	return aggs, nil
}

// TransformColumns validates a transform operation and returns its column -> type map.
func TransformColumns(tables []string, params map[string]any) (map[string]models.ColumnType, error) {
	op := models.OperationTypeTransform
	if len(tables) != 1 {
		return nil, invalidParam(op, "source_tables", fmt.Sprintf("transform requires exactly 1 table, got %d", len(tables)))
	}

	out := make(map[string]models.ColumnType)
	switch v := params["columns"].(type) {
	case map[string]any:
		for col, t := range v {
			s, ok := t.(string)
			if !ok {
				return nil, invalidParam(op, "columns", fmt.Sprintf("type for %q must be a string", col))
			}
			out[col] = models.ColumnType(strings.ToLower(strings.TrimSpace(s)))
		}
	case map[string]string:
		for col, s := range v {
			out[col] = models.ColumnType(strings.ToLower(strings.TrimSpace(s)))
		}
	default:
		return nil, invalidParam(op, "columns", "must map column names to target types")
	}
	if len(out) == 0 {
		return nil, invalidParam(op, "columns", "at least one column is required")
	}

	for col, t := range out {
		if err := ValidateIdentifier("column", col); err != nil {
			return nil, invalidIdent(op, "columns", err)
		}
		if !t.IsValid() {
			return nil, invalidParam(op, "columns", fmt.Sprintf("unsupported target type %q for %q", t, col))
		}
	}
	return out, nil
}

func requiredColumn(op models.OperationType, params map[string]any, key string) (string, error) {
	s, ok := params[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", invalidParam(op, key, "is required")
	}
	s = strings.TrimSpace(s)
	if err := ValidateIdentifier("column", s); err != nil {
		return "", invalidIdent(op, key, err)
	}
	return s, nil
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{strings.TrimSpace(v)}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entries must be strings")
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list of column names")
	}
}

func invalidParam(op models.OperationType, param, reason string) error {
	return apperrors.NewInvalidParameterError(string(op), param, reason)
}

func invalidIdent(op models.OperationType, param string, err error) error {
	e := apperrors.NewInvalidParameterError(string(op), param, err.Error())
	e.Cause = err
	return e
}
