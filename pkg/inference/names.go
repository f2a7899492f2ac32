package inference

import (
	"strconv"
	"strings"
	"unicode"
)

// CleanColumnNames maps raw header names onto unique identifier-safe names.
// Non-alphanumeric runs become a single underscore, leading and trailing
// underscores are trimmed, a leading digit gets a col_ prefix and empty names
// become "column". Duplicates are suffixed _1, _2, ... in order of appearance.
// The returned mapping is original -> cleaned; for duplicated originals the
// first occurrence wins.
func CleanColumnNames(names []string) ([]string, map[string]string) {
	cleaned := make([]string, len(names))
	mapping := make(map[string]string, len(names))
	used := make(map[string]bool, len(names))

	for i, name := range names {
		base := cleanName(name)
		candidate := base
		for n := 1; used[candidate]; n++ {
			candidate = base + "_" + strconv.Itoa(n)
		}
		used[candidate] = true
		cleaned[i] = candidate
		if _, ok := mapping[name]; !ok {
			mapping[name] = candidate
		}
	}
	return cleaned, mapping
}

func cleanName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "column"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "col_" + out
	}
	return out
}

var keyTokens = map[string]bool{"id": true, "key": true, "ref": true, "code": true}

// NameTokens splits a column name on non-alphanumerics and camelCase boundaries,
// lower-cased. "customerID" and "customer_id" both yield [customer id].
func NameTokens(name string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(name)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && len(cur) > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}

// KeyToken returns the first id/key/ref/code token in name, or "".
func KeyToken(name string) string {
	for _, t := range NameTokens(name) {
		if keyTokens[t] {
			return t
		}
	}
	return ""
}

// IsForeignKeyName reports whether name carries an id, key, ref or code token.
func IsForeignKeyName(name string) bool {
	return KeyToken(name) != ""
}

var dateNameTokens = map[string]bool{
	"date": true, "time": true, "day": true, "dt": true, "timestamp": true,
	"created": true, "updated": true, "modified": true, "at": true,
}

// hasDateHint reports whether a column name suggests date values.
func hasDateHint(name string) bool {
	for _, t := range NameTokens(name) {
		if dateNameTokens[t] {
			return true
		}
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "date") || strings.Contains(lower, "timestamp")
}
