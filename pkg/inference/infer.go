package inference

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

var nullTokens = map[string]bool{
	"":     true,
	"null": true,
	"none": true,
	"nan":  true,
	"n/a":  true,
	"na":   true,
	"nat":  true,
}

var boolValues = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "1": true, "on": true,
	"false": false, "f": false, "no": false, "n": false, "0": false, "off": false,
}

// Result is the coerced frame together with its schema.
type Result struct {
	Frame  *frame.Frame
	Schema *models.SchemaInfo
	// Failures lists soft coercion failures; the affected columns are typed string.
	Failures []*apperrors.TypeCoercionFailure
}

// IsNull reports whether v is a null value or a recognized null token.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return nullTokens[strings.ToLower(strings.TrimSpace(x))]
	case float64:
		return math.IsNaN(x)
	case []byte:
		return nullTokens[strings.ToLower(strings.TrimSpace(string(x)))]
	}
	return false
}

// Infer cleans column names and types every column of f. The input frame is not modified.
// Inference never fails a whole batch: a column whose heuristics miss their
// thresholds, or that panics, is kept as string and reported in Result.Failures.
func Infer(f *frame.Frame, opts Options) (*Result, error) {
	if f == nil {
		return nil, fmt.Errorf("frame is nil")
	}
	opts = opts.withDefaults()

	names, mapping := CleanColumnNames(f.Names())
	rows := f.NumRows()

	out := &frame.Frame{Columns: make([]*frame.Column, len(f.Columns))}
	schema := &models.SchemaInfo{
		Columns:       make([]models.ColumnSchema, len(f.Columns)),
		ColumnMapping: mapping,
		RowCount:      rows,
		InferredAt:    time.Now().UTC(),
	}
	res := &Result{Frame: out, Schema: schema}

	for i, col := range f.Columns {
		typ, values, format, failure := inferColumnSafe(col.Name, col.Values, opts)
		out.Columns[i] = &frame.Column{Name: names[i], Values: values}

		cs := columnMetrics(values, rows, opts.SampleValues)
		cs.Name = names[i]
		cs.OriginalName = col.Name
		cs.Type = typ
		cs.PandasType = typ.PandasType()
		cs.DateFormat = format
		cs.PotentialForeignKey = IsForeignKeyName(col.Name)
		if failure != nil {
			failure.Column = col.Name
			cs.CoercionFailure = failure.Error()
			res.Failures = append(res.Failures, failure)
		}
		schema.Columns[i] = cs
	}
	return res, nil
}

func inferColumnSafe(name string, values []any, opts Options) (typ models.ColumnType, out []any, format string, failure *apperrors.TypeCoercionFailure) {
	defer func() {
		if r := recover(); r != nil {
			typ = models.ColumnTypeString
			out = stringValues(values)
			format = ""
			failure = &apperrors.TypeCoercionFailure{
				Column:    name,
				Candidate: "any",
				Cause:     fmt.Errorf("panic during inference: %v", r),
			}
		}
	}()
	return inferColumn(name, values, opts)
}

func inferColumn(name string, values []any, opts Options) (models.ColumnType, []any, string, *apperrors.TypeCoercionFailure) {
	if typ, out, ok := typedColumn(values); ok {
		return typ, out, "", nil
	}

	strs, present := normalizeStrings(values)
	nonNull := countTrue(present)
	if nonNull == 0 {
		return models.ColumnTypeString, make([]any, len(values)), "", nil
	}

	var failure *apperrors.TypeCoercionFailure

	// Dates first: shape check on a leading sample, then a full parse.
	hint := hasDateHint(name)
	sample, matched := 0, 0
	for i := range strs {
		if !present[i] {
			continue
		}
		if sample >= opts.SampleSize {
			break
		}
		sample++
		if looksLikeDate(strs[i], hint) {
			matched++
		}
	}
	if sample > 0 && float64(matched)/float64(sample) >= opts.DateSampleMatchRatio {
		parsed, ok := detectDateFormat(strs, present, opts.DateParseSuccessRatio)
		if ok {
			typ := models.ColumnTypeDate
			for _, v := range parsed.values {
				if t, isTime := v.(time.Time); isTime && !isMidnight(t) {
					typ = models.ColumnTypeDatetime
					break
				}
			}
			return typ, parsed.values, parsed.format, nil
		}
		failure = &apperrors.TypeCoercionFailure{
			Candidate: string(models.ColumnTypeDate),
			Ratio:     parsed.ratio,
			Threshold: opts.DateParseSuccessRatio,
		}
	}

	// Numeric.
	nums := make([]any, len(strs))
	parsedNums, allInts := 0, true
	ints := make([]int64, len(strs))
	for i, s := range strs {
		if !present[i] {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			continue
		}
		parsedNums++
		nums[i] = f
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			ints[i] = n
		} else {
			allInts = false
		}
	}
	numRatio := float64(parsedNums) / float64(nonNull)
	if numRatio >= opts.NumericSuccessRatio {
		if allInts {
			for i, v := range nums {
				if v != nil {
					nums[i] = ints[i]
				}
			}
			return models.ColumnTypeInteger, nums, "", nil
		}
		return models.ColumnTypeFloat, nums, "", nil
	}
	if numRatio >= 0.5 && failure == nil {
		failure = &apperrors.TypeCoercionFailure{
			Candidate: "numeric",
			Ratio:     numRatio,
			Threshold: opts.NumericSuccessRatio,
		}
	}

	// Boolean: at most two distinct values, all from the vocabulary.
	distinct := make(map[string]bool)
	isBool := true
	for i, s := range strs {
		if !present[i] {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := boolValues[key]; !ok {
			isBool = false
			break
		}
		distinct[key] = true
		if len(distinct) > 2 {
			isBool = false
			break
		}
	}
	if isBool {
		out := make([]any, len(strs))
		for i, s := range strs {
			if present[i] {
				out[i] = boolValues[strings.ToLower(s)]
			}
		}
		return models.ColumnTypeBoolean, out, "", nil
	}

	out := make([]any, len(strs))
	for i, s := range strs {
		if present[i] {
			out[i] = s
		}
	}
	return models.ColumnTypeString, out, "", failure
}

// typedColumn maps columns whose non-null values already share a Go type,
// as produced by relational and JSON fetchers.
func typedColumn(values []any) (models.ColumnType, []any, bool) {
	var kind models.ColumnType
	out := make([]any, len(values))
	seen := false
	for i, v := range values {
		if IsNull(v) {
			continue
		}
		var k models.ColumnType
		switch x := v.(type) {
		case int:
			k, out[i] = models.ColumnTypeInteger, int64(x)
		case int32:
			k, out[i] = models.ColumnTypeInteger, int64(x)
		case int64:
			k, out[i] = models.ColumnTypeInteger, x
		case float32:
			k, out[i] = models.ColumnTypeFloat, float64(x)
		case float64:
			k, out[i] = models.ColumnTypeFloat, x
		case bool:
			k, out[i] = models.ColumnTypeBoolean, x
		case time.Time:
			k, out[i] = models.ColumnTypeDatetime, x
		default:
			return "", nil, false
		}
		switch {
		case !seen:
			kind, seen = k, true
		case k == kind:
		case isNumericType(k) && isNumericType(kind):
			// ints mixed with floats widen to float
			kind = models.ColumnTypeFloat
		default:
			return "", nil, false
		}
	}
	if !seen {
		return "", nil, false
	}

	switch kind {
	case models.ColumnTypeFloat:
		for i, v := range out {
			if n, ok := v.(int64); ok {
				out[i] = float64(n)
			}
		}
	case models.ColumnTypeDatetime:
		allMidnight := true
		for _, v := range out {
			if t, ok := v.(time.Time); ok && !isMidnight(t) {
				allMidnight = false
				break
			}
		}
		if allMidnight {
			kind = models.ColumnTypeDate
		}
	}
	return kind, out, true
}

// normalizeStrings renders values as trimmed strings and marks which are non-null.
func normalizeStrings(values []any) ([]string, []bool) {
	strs := make([]string, len(values))
	present := make([]bool, len(values))
	for i, v := range values {
		if IsNull(v) {
			continue
		}
		strs[i] = strings.TrimSpace(toString(v))
		present[i] = true
	}
	return strs, present
}

func stringValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if !IsNull(v) {
			out[i] = toString(v)
		}
	}
	return out
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case json.Number:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// FormatValue renders a coerced value for sample lists.
func FormatValue(v any) string {
	if t, ok := v.(time.Time); ok {
		if isMidnight(t) {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	}
	return toString(v)
}

func columnMetrics(values []any, rows, maxSamples int) models.ColumnSchema {
	var cs models.ColumnSchema
	distinct := make(map[string]bool)
	for _, v := range values {
		if v == nil {
			cs.NullCount++
			continue
		}
		key := FormatValue(v)
		if !distinct[key] {
			distinct[key] = true
			if len(cs.SampleValues) < maxSamples {
				cs.SampleValues = append(cs.SampleValues, key)
			}
		}
	}
	cs.UniqueCount = len(distinct)
	if rows > 0 {
		cs.Completeness = float64(rows-cs.NullCount) / float64(rows)
		cs.Uniqueness = float64(cs.UniqueCount) / float64(rows)
	}
	cs.PotentialKey = rows > 0 && cs.Uniqueness == 1 && cs.Completeness == 1
	if cs.SampleValues == nil {
		cs.SampleValues = []string{}
	}
	return cs
}

func isNumericType(t models.ColumnType) bool {
	return t == models.ColumnTypeInteger || t == models.ColumnTypeFloat
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}
