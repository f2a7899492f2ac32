package sql

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
)

// SourceTablePrefix is prepended to the normalized data source id to form its store table.
const SourceTablePrefix = "source_"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidIdentifier reports whether s is safe to interpolate into generated SQL.
func IsValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateIdentifier returns an *apperrors.InvalidIdentifierError when s is not a valid identifier.
// Callers reject the input; they never coerce it.
func ValidateIdentifier(kind, s string) error {
	if !IsValidIdentifier(s) {
		return &apperrors.InvalidIdentifierError{Kind: kind, Value: s}
	}
	return nil
}

// SanitizeIdentifier maps any string onto a valid identifier.
// Runes outside [A-Za-z0-9_] become underscores, an empty result becomes "_",
// and a leading digit gets an underscore prefix. The mapping is idempotent.
func SanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 1)
	for _, r := range s {
		if isIdentRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// NormalizeSourceID strips everything except ASCII letters and digits.
func NormalizeSourceID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SourceTableName derives the store table for a data source id.
func SourceTableName(id string) string {
	return SourceTablePrefix + NormalizeSourceID(id)
}

// IsSourceTableName reports whether name already has the source_<normalized id> shape,
// so callers never derive a table name twice.
func IsSourceTableName(name string) bool {
	rest, ok := strings.CutPrefix(name, SourceTablePrefix)
	if !ok || rest == "" {
		return false
	}
	return NormalizeSourceID(rest) == rest
}

// QuoteIdentifier wraps an already validated identifier in double quotes.
func QuoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isIdentRune(r rune) bool {
	return isAlnum(r) || r == '_'
}
