package logging

import (
	"regexp"
	"sort"
	"strings"
)

const (
	// MaxQueryLogLength is the maximum length of a query to log
	MaxQueryLogLength = 100
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|key)=[A-Za-z0-9\-_]{16,}`)

	// user:pass@host
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// go-sql-driver DSN: user:pass@tcp(host:port)/db
	mysqlDSNPattern = regexp.MustCompile(`([^:/@\s]+):[^@\s]+@(tcp|unix)\(`)

	// secretKeys are descriptor fields whose values are never logged.
	secretKeys = []string{"password", "passwd", "pwd", "secret", "token", "api_key", "apikey", "authorization", "credential"}

	// dsnKeys hold connection strings that may embed credentials.
	dsnKeys = []string{"dsn", "url", "connection_string", "conn_str", "uri"}
)

// SanitizeConnectionString removes credentials from a connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = mysqlDSNPattern.ReplaceAllString(sanitized, "${1}:"+RedactedText+"@${2}(")
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError renders err with passwords, tokens, and DSN credentials removed.
// Driver errors from source fetches go through here before logging or storing.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}

// SanitizeMessage applies the SanitizeError rules to free text.
func SanitizeMessage(msg string) string {
	sanitized := passwordPattern.ReplaceAllString(msg, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = mysqlDSNPattern.ReplaceAllString(sanitized, "${1}:"+RedactedText+"@${2}(")
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeQuery truncates a SQL query for logging and removes credential patterns.
func SanitizeQuery(query string) string {
	sanitized := TruncateString(query, MaxQueryLogLength)
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
}

// SanitizeDescriptor returns a copy of a connection descriptor that is safe to
// log or return to clients. Secret fields are redacted, connection strings are
// scrubbed, nested objects (such as HTTP headers) are handled recursively.
func SanitizeDescriptor(descriptor map[string]any) map[string]any {
	if descriptor == nil {
		return nil
	}
	out := make(map[string]any, len(descriptor))
	for k, v := range descriptor {
		key := strings.ToLower(k)
		switch {
		case matchesAny(key, secretKeys):
			out[k] = RedactedText
		case matchesAny(key, dsnKeys):
			if s, ok := v.(string); ok {
				out[k] = SanitizeConnectionString(s)
			} else {
				out[k] = v
			}
		default:
			if m, ok := v.(map[string]any); ok {
				out[k] = SanitizeDescriptor(m)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// DescriptorKeys lists descriptor fields in sorted order, for log fields that
// should show shape without values.
func DescriptorKeys(descriptor map[string]any) []string {
	keys := make([]string, 0, len(descriptor))
	for k := range descriptor {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func matchesAny(key string, candidates []string) bool {
	for _, c := range candidates {
		if key == c || strings.HasSuffix(key, "_"+c) || strings.HasPrefix(key, c+"_") {
			return true
		}
	}
	return false
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
