package sql

import (
	"fmt"
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes one operation parameter value that looks like SQL injection.
type InjectionCheckResult struct {
	Path        string // e.g. "aggregations[0].column"
	Fingerprint string // libinjection fingerprint
	Value       string
}

// CheckParameterForInjection runs libinjection on a single string value.
// Non-string values return nil.
func CheckParameterForInjection(path string, value any) *InjectionCheckResult {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	if isSQLi, fp := libinjection.IsSQLi(s); isSQLi {
		return &InjectionCheckResult{Path: path, Fingerprint: string(fp), Value: s}
	}
	return nil
}

// CheckAllParameters walks ETL operation parameters, including nested lists and
// objects, and returns every value libinjection flags. Results are ordered by path.
//
// Identifier validation is what keeps generated SQL safe. Results from this
// walk are for audit logging only.
func CheckAllParameters(params map[string]any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		results = walkParameter(k, params[k], results)
	}
	return results
}

func walkParameter(path string, value any, results []*InjectionCheckResult) []*InjectionCheckResult {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			// keys of column maps are column names, so they get checked too
			if r := CheckParameterForInjection(path+"{key}", k); r != nil {
				results = append(results, r)
			}
			results = walkParameter(path+"."+k, v[k], results)
		}
	case []any:
		for i, item := range v {
			results = walkParameter(fmt.Sprintf("%s[%d]", path, i), item, results)
		}
	case []string:
		for i, item := range v {
			results = walkParameter(fmt.Sprintf("%s[%d]", path, i), item, results)
		}
	default:
		if r := CheckParameterForInjection(path, v); r != nil {
			results = append(results, r)
		}
	}
	return results
}
