// Package sql holds identifier safety, ETL SQL synthesis, and the checks run on
// a statement before the store executes it.
package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains more than one SQL statement.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")

	// ErrNotSelect indicates the statement is not a read-only query.
	ErrNotSelect = errors.New("only SELECT statements can be materialized")

	// ErrEmptyStatement indicates the statement was blank after normalization.
	ErrEmptyStatement = errors.New("empty SQL statement")
)

// ValidationResult contains the normalized SQL and any validation error.
type ValidationResult struct {
	NormalizedSQL string
	Error         error
}

// ValidateAndNormalize strips a trailing semicolon and rejects anything that is
// not a single SELECT (or WITH ... SELECT) statement.
func ValidateAndNormalize(query string) ValidationResult {
	normalized := stripTrailingSemicolon(strings.TrimSpace(query))
	if normalized == "" {
		return ValidationResult{Error: ErrEmptyStatement}
	}

	if scanOutsideLiterals(normalized, ';') {
		return ValidationResult{Error: ErrMultipleStatements}
	}

	switch firstKeyword(normalized) {
	case "SELECT", "WITH":
	default:
		return ValidationResult{Error: ErrNotSelect}
	}

	return ValidationResult{NormalizedSQL: normalized}
}

// scanOutsideLiterals reports whether target occurs outside quoted strings,
// quoted identifiers, and comments.
func scanOutsideLiterals(query string, target byte) bool {
	const (
		normal = iota
		single
		double
		lineComment
		blockComment
	)

	state := normal
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch state {
		case normal:
			switch {
			case c == target:
				return true
			case c == '\'':
				state = single
			case c == '"':
				state = double
			case c == '-' && i+1 < len(query) && query[i+1] == '-':
				state = lineComment
				i++
			case c == '/' && i+1 < len(query) && query[i+1] == '*':
				state = blockComment
				i++
			}
		case single:
			// '' re-enters on the next quote, so doubled quotes stay inside
			if c == '\'' {
				state = normal
			}
		case double:
			if c == '"' {
				state = normal
			}
		case lineComment:
			if c == '\n' {
				state = normal
			}
		case blockComment:
			if c == '*' && i+1 < len(query) && query[i+1] == '/' {
				state = normal
				i++
			}
		}
	}
	return false
}

// firstKeyword returns the upper-cased first word, skipping leading comments and parens.
func firstKeyword(query string) string {
	s := query
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		break
	}
	end := strings.IndexFunc(s, func(r rune) bool { return !isIdentRune(r) })
	if end < 0 {
		end = len(s)
	}
	return strings.ToUpper(s[:end])
}

func stripTrailingSemicolon(query string) string {
	query = strings.TrimRight(query, " \t\n\r")
	for strings.HasSuffix(query, ";") {
		query = strings.TrimRight(strings.TrimSuffix(query, ";"), " \t\n\r")
	}
	return query
}
