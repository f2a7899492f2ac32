package datasource

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StringValue returns descriptor[key] as a trimmed string, or def when absent or empty.
func StringValue(descriptor map[string]any, key, def string) string {
	v, ok := descriptor[key]
	if !ok || v == nil {
		return def
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

// IntValue returns descriptor[key] as an int. JSON numbers arrive as float64 or
// json.Number and YAML manifests give int, so all are accepted along with numeric strings.
func IntValue(descriptor map[string]any, key string, def int) int {
	v, ok := descriptor[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// BoolValue returns descriptor[key] as a bool, accepting "true"/"false" strings.
func BoolValue(descriptor map[string]any, key string, def bool) bool {
	v, ok := descriptor[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}

// StringMap returns descriptor[key] as a map of strings, used for HTTP headers and query params.
func StringMap(descriptor map[string]any, key string) map[string]string {
	raw, ok := descriptor[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// RequireString returns descriptor[key] or an error naming the missing field.
func RequireString(descriptor map[string]any, sourceType, key string) (string, error) {
	s := StringValue(descriptor, key, "")
	if s == "" {
		return "", fmt.Errorf("%s descriptor: %q is required", sourceType, key)
	}
	return s, nil
}
