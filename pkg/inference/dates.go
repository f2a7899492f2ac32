package inference

import (
	"regexp"
	"strings"
	"time"
)

// FormatAuto is recorded when ISO-8601 auto-detection parsed the column.
const FormatAuto = "auto"

// dateFormat pairs the strftime name recorded in schema_info with its Go layout.
type dateFormat struct {
	Name   string
	Layout string
}

// knownDateFormats are tried in order after auto-detection; the first format that
// parses enough of the column wins.
var knownDateFormats = []dateFormat{
	{"%Y-%m-%d", "2006-1-2"},
	{"%d-%m-%Y", "2-1-2006"},
	{"%m-%d-%Y", "1-2-2006"},
	{"%d/%m/%Y", "2/1/2006"},
	{"%m/%d/%Y", "1/2/2006"},
	{"%Y/%m/%d", "2006/1/2"},
	{"%d.%m.%Y", "2.1.2006"},
	{"%Y%m%d", "20060102"},
	{"%d %b %Y", "2 Jan 2006"},
	{"%b %d, %Y", "Jan 2, 2006"},
	{"%d %B %Y", "2 January 2006"},
	{"%B %d, %Y", "January 2, 2006"},
	{"%Y-%m-%d %H:%M:%S", "2006-1-2 15:04:05"},
	{"%Y-%m-%d %H:%M", "2006-1-2 15:04"},
	{"%d-%m-%Y %H:%M:%S", "2-1-2006 15:04:05"},
	{"%d/%m/%Y %H:%M:%S", "2/1/2006 15:04:05"},
	{"%d/%m/%Y %H:%M", "2/1/2006 15:04"},
	{"%m/%d/%Y %H:%M:%S", "1/2/2006 15:04:05"},
	{"%m/%d/%Y %H:%M", "1/2/2006 15:04"},
	{"%d.%m.%Y %H:%M:%S", "2.1.2006 15:04:05"},
}

// autoLayouts cover the ISO-8601 / RFC3339 family.
var autoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var (
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}[-/.]\d{1,2}[-/.]\d{1,2}([ T]\d{1,2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?$`),
		regexp.MustCompile(`^\d{1,2}[-/.]\d{1,2}[-/.]\d{4}( \d{1,2}:\d{2}(:\d{2})?)?$`),
		regexp.MustCompile(`^\d{1,2} [A-Za-z]{3,9} \d{4}$`),
		regexp.MustCompile(`^[A-Za-z]{3,9} \d{1,2}, \d{4}$`),
	}
	compactDatePattern = regexp.MustCompile(`^(19|20)\d{2}(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])$`)
)

// looksLikeDate reports whether s has a recognized date shape. The compact
// YYYYMMDD shape only counts when the column name suggests dates.
func looksLikeDate(s string, nameHint bool) bool {
	for _, p := range datePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return nameHint && compactDatePattern.MatchString(s)
}

func parseAuto(s string) (time.Time, bool) {
	for _, layout := range autoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDate parses s with a recorded format name (FormatAuto or a strftime name).
func ParseDate(format, s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if format == FormatAuto || format == "" {
		return parseAuto(s)
	}
	for _, f := range knownDateFormats {
		if f.Name == format {
			t, err := time.Parse(f.Layout, s)
			return t, err == nil
		}
	}
	return time.Time{}, false
}

// dateParse is the outcome of converting a column with one format.
type dateParse struct {
	format string
	values []any // time.Time or nil
	ratio  float64
}

// detectDateFormat tries auto-detection then each known format against all
// non-null strings. It returns the first candidate reaching threshold, or the
// best candidate seen when none did.
func detectDateFormat(values []string, present []bool, threshold float64) (dateParse, bool) {
	nonNull := 0
	for _, ok := range present {
		if ok {
			nonNull++
		}
	}
	if nonNull == 0 {
		return dateParse{}, false
	}

	try := func(name string, parse func(string) (time.Time, bool)) dateParse {
		out := make([]any, len(values))
		parsed := 0
		for i, v := range values {
			if !present[i] {
				continue
			}
			if t, ok := parse(v); ok {
				out[i] = t
				parsed++
			}
		}
		return dateParse{format: name, values: out, ratio: float64(parsed) / float64(nonNull)}
	}

	best := try(FormatAuto, parseAuto)
	if best.ratio >= threshold {
		return best, true
	}
	for _, f := range knownDateFormats {
		layout := f.Layout
		p := try(f.Name, func(s string) (time.Time, bool) {
			t, err := time.Parse(layout, s)
			return t, err == nil
		})
		if p.ratio >= threshold {
			return p, true
		}
		if p.ratio > best.ratio {
			best = p
		}
	}
	return best, false
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
