package inference

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

// Coercion reports how one forced column conversion went.
type Coercion struct {
	Column     string
	Target     models.ColumnType
	Converted  int
	Failed     int // non-null values that became null
	DateFormat string
}

// SuccessRatio is converted / (converted + failed), or 1 for an all-null column.
func (c Coercion) SuccessRatio() float64 {
	total := c.Converted + c.Failed
	if total == 0 {
		return 1
	}
	return float64(c.Converted) / float64(total)
}

// CoerceColumns converts the named columns to fixed target types. Values that do
// not convert become null. The input frame is not modified.
func CoerceColumns(f *frame.Frame, targets map[string]models.ColumnType) (*frame.Frame, []Coercion, error) {
	for col, t := range targets {
		if f.Column(col) == nil {
			return nil, nil, fmt.Errorf("column %q not found", col)
		}
		if !t.IsValid() {
			return nil, nil, fmt.Errorf("unsupported target type %q for column %q", t, col)
		}
	}

	out := f.Clone()
	var report []Coercion
	for _, c := range out.Columns {
		target, ok := targets[c.Name]
		if !ok {
			continue
		}
		rep := Coercion{Column: c.Name, Target: target}
		c.Values, rep = coerceValues(c.Values, rep)
		report = append(report, rep)
	}
	return out, report, nil
}

func coerceValues(values []any, rep Coercion) ([]any, Coercion) {
	out := make([]any, len(values))

	if rep.Target == models.ColumnTypeDate || rep.Target == models.ColumnTypeDatetime {
		strs, present := normalizeStrings(values)
		for i, v := range values {
			if t, ok := v.(time.Time); ok {
				out[i] = t
				present[i] = false
			}
		}
		// threshold 1 returns the best format when none is perfect
		parsed, _ := detectDateFormat(strs, present, 1)
		rep.DateFormat = parsed.format
		for i, v := range values {
			if IsNull(v) {
				continue
			}
			if out[i] == nil && parsed.values != nil {
				out[i] = parsed.values[i]
			}
			t, ok := out[i].(time.Time)
			if !ok {
				out[i] = nil
				rep.Failed++
				continue
			}
			if rep.Target == models.ColumnTypeDate {
				y, m, d := t.Date()
				out[i] = time.Date(y, m, d, 0, 0, 0, 0, t.Location())
			}
			rep.Converted++
		}
		return out, rep
	}

	for i, v := range values {
		if IsNull(v) {
			continue
		}
		cv, ok := coerceValue(v, rep.Target)
		if !ok {
			rep.Failed++
			continue
		}
		out[i] = cv
		rep.Converted++
	}
	return out, rep
}

// Bounds of int64 as float64. 2^63 itself is not representable as int64.
const (
	minInt64Float = -9.223372036854775808e18
	maxInt64Float = 9.223372036854775808e18
)

// floatToInt64 converts whole floats that fit in int64.
func floatToInt64(f float64) (any, bool) {
	if f != math.Trunc(f) || f < minInt64Float || f >= maxInt64Float {
		return nil, false
	}
	return int64(f), true
}

func coerceValue(v any, target models.ColumnType) (any, bool) {
	switch target {
	case models.ColumnTypeString:
		return FormatValue(v), true
	case models.ColumnTypeInteger:
		switch x := v.(type) {
		case int64:
			return x, true
		case int:
			return int64(x), true
		case float64:
			return floatToInt64(x)
		case bool:
			if x {
				return int64(1), true
			}
			return int64(0), true
		}
		s := strings.TrimSpace(toString(v))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt64(f)
		}
		return nil, false
	case models.ColumnTypeFloat:
		switch x := v.(type) {
		case float64:
			return x, true
		case int64:
			return float64(x), true
		case int:
			return float64(x), true
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(toString(v)), 64)
		if err != nil || math.IsNaN(f) {
			return nil, false
		}
		return f, true
	case models.ColumnTypeBoolean:
		if b, ok := v.(bool); ok {
			return b, true
		}
		b, ok := boolValues[strings.ToLower(strings.TrimSpace(toString(v)))]
		return b, ok
	}
	return nil, false
}
