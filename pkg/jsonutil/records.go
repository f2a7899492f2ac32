package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoRecords is returned when a document holds no array of objects at the requested path.
var ErrNoRecords = errors.New("no records found in JSON document")

// DecodeRecords reads a JSON document and returns the objects it holds as rows,
// along with column names in first-seen order.
//
// The document may be an array of objects, a single object, or an object that
// wraps the array. path selects the wrapper field with dots ("data.items").
// With an empty path the first array-of-objects field is used. Numbers decode
// as json.Number so integers keep their precision.
func DecodeRecords(r io.Reader, path string) ([]map[string]any, []string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read JSON: %w", err)
	}

	raw := json.RawMessage(bytes.TrimSpace(data))
	if len(raw) == 0 {
		return nil, nil, ErrNoRecords
	}
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, nil, fmt.Errorf("path %q: %q is not an object", path, key)
			}
			next, ok := obj[key]
			if !ok {
				return nil, nil, fmt.Errorf("path %q: field %q not found", path, key)
			}
			raw = bytes.TrimSpace(next)
		}
	}

	switch raw[0] {
	case '[':
		return decodeArray(raw)
	case '{':
		if path == "" {
			if inner, ok := firstRecordArray(raw); ok {
				return decodeArray(inner)
			}
		}
		return decodeArray(append(append(json.RawMessage{'['}, raw...), ']'))
	}
	return nil, nil, ErrNoRecords
}

func decodeArray(raw json.RawMessage) ([]map[string]any, []string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, fmt.Errorf("failed to decode JSON array: %w", err)
	}

	records := make([]map[string]any, 0, len(items))
	var order []string
	seen := make(map[string]bool)
	for i, item := range items {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return nil, nil, fmt.Errorf("record %d is not an object: %w", i, err)
		}
		keys, err := ObjectKeys(item)
		if err != nil {
			return nil, nil, err
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
		records = append(records, rec)
	}
	return records, order, nil
}

// ObjectKeys returns the top-level keys of a JSON object in document order.
func ObjectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key")
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// firstRecordArray finds the first field, in document order, holding an array of objects.
func firstRecordArray(raw json.RawMessage) (json.RawMessage, bool) {
	keys, err := ObjectKeys(raw)
	if err != nil {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	for _, k := range keys {
		v := bytes.TrimSpace(obj[k])
		if len(v) > 1 && v[0] == '[' && bytes.TrimSpace(v[1:])[0] == '{' {
			return v, true
		}
	}
	return nil, false
}
