package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ekaya-inc/ekaya-etl/pkg/jsonutil"
)

// ColumnType is the semantic type inferred for a column.
type ColumnType string

const (
	ColumnTypeString   ColumnType = "string"
	ColumnTypeInteger  ColumnType = "integer"
	ColumnTypeFloat    ColumnType = "float"
	ColumnTypeBoolean  ColumnType = "boolean"
	ColumnTypeDate     ColumnType = "date"
	ColumnTypeDatetime ColumnType = "datetime"
)

// ValidColumnTypes lists every type inference may assign.
var ValidColumnTypes = []ColumnType{
	ColumnTypeString,
	ColumnTypeInteger,
	ColumnTypeFloat,
	ColumnTypeBoolean,
	ColumnTypeDate,
	ColumnTypeDatetime,
}

// IsValid reports whether t is one of ValidColumnTypes.
func (t ColumnType) IsValid() bool {
	for _, v := range ValidColumnTypes {
		if v == t {
			return true
		}
	}
	return false
}

// PandasType returns the dataframe dtype name consumers of schema_info expect.
func (t ColumnType) PandasType() string {
	switch t {
	case ColumnTypeInteger:
		return "int64"
	case ColumnTypeFloat:
		return "float64"
	case ColumnTypeBoolean:
		return "bool"
	case ColumnTypeDate, ColumnTypeDatetime:
		return "datetime64[ns]"
	default:
		return "object"
	}
}

// ColumnSchema is the inferred description of one column.
type ColumnSchema struct {
	Name                string     `json:"name"`
	OriginalName        string     `json:"original_name"`
	Type                ColumnType `json:"type"`
	PandasType          string     `json:"pandas_type"`
	NullCount           int        `json:"null_count"`
	UniqueCount         int        `json:"unique_count"`
	SampleValues        []string   `json:"sample_values"`
	Completeness        float64    `json:"completeness"`
	Uniqueness          float64    `json:"uniqueness"`
	PotentialKey        bool       `json:"potential_key"`
	PotentialForeignKey bool       `json:"potential_foreign_key"`
	DateFormat          string     `json:"date_format,omitempty"`
	CoercionFailure     string     `json:"coercion_failure,omitempty"`
}

// SchemaInfo is the ordered column schema of a data source.
type SchemaInfo struct {
	Columns       []ColumnSchema    `json:"columns"`
	ColumnMapping map[string]string `json:"column_mapping"` // original name -> cleaned name
	RowCount      int               `json:"row_count"`
	InferredAt    time.Time         `json:"inferred_at"`
}

// Column looks up a column by its cleaned name.
func (s *SchemaInfo) Column(name string) (*ColumnSchema, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the cleaned column names in order.
func (s *SchemaInfo) ColumnNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// AllTypesValid reports whether every column carries a concrete type.
func (s *SchemaInfo) AllTypesValid() bool {
	if s == nil || len(s.Columns) == 0 {
		return false
	}
	for _, c := range s.Columns {
		if !c.Type.IsValid() {
			return false
		}
	}
	return true
}

// Contract renders the schema in the shape downstream consumers read:
// {column: {type, pandas_type, sample_values, null_count, unique_count}}.
func (s *SchemaInfo) Contract() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.Columns))
	for _, c := range s.Columns {
		samples := c.SampleValues
		if samples == nil {
			samples = []string{}
		}
		out[c.Name] = map[string]any{
			"type":          string(c.Type),
			"pandas_type":   c.PandasType,
			"sample_values": samples,
			"null_count":    c.NullCount,
			"unique_count":  c.UniqueCount,
		}
	}
	return out
}

type schemaInfoJSON SchemaInfo

// UnmarshalJSON accepts both the canonical {"columns": [...]} document and the
// legacy flat {column: {type, pandas_type, ...}} map.
func (s *SchemaInfo) UnmarshalJSON(data []byte) error {
	info, err := NormalizeSchemaInfo(data)
	if err != nil {
		return err
	}
	if info == nil {
		*s = SchemaInfo{}
		return nil
	}
	*s = *info
	return nil
}

// NormalizeSchemaInfo decodes either schema_info shape into a SchemaInfo.
// Returns nil for null or empty input. Legacy placeholder types map to string.
func NormalizeSchemaInfo(data []byte) (*SchemaInfo, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("schema_info must be a JSON object: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	if cols, ok := fields["columns"]; ok && len(bytes.TrimSpace(cols)) > 0 && bytes.TrimSpace(cols)[0] == '[' {
		var info schemaInfoJSON
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("failed to decode schema_info: %w", err)
		}
		out := SchemaInfo(info)
		for i := range out.Columns {
			normalizeColumn(&out.Columns[i])
		}
		if out.ColumnMapping == nil {
			out.ColumnMapping = identityMapping(out.Columns)
		}
		return &out, nil
	}

	return decodeLegacySchema(fields)
}

// legacyColumn mirrors the flat map entries written before schema_info had a columns list.
// Counts and samples were not always typed consistently, so they are decoded loosely.
type legacyColumn struct {
	Type         json.RawMessage   `json:"type"`
	PandasType   json.RawMessage   `json:"pandas_type"`
	SampleValues []json.RawMessage `json:"sample_values"`
	NullCount    json.RawMessage   `json:"null_count"`
	UniqueCount  json.RawMessage   `json:"unique_count"`
	DateFormat   json.RawMessage   `json:"date_format"`
}

func decodeLegacySchema(entries map[string]json.RawMessage) (*SchemaInfo, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	info := &SchemaInfo{ColumnMapping: make(map[string]string, len(names))}
	for _, name := range names {
		var lc legacyColumn
		if err := json.Unmarshal(entries[name], &lc); err != nil {
			return nil, fmt.Errorf("failed to decode legacy schema column %q: %w", name, err)
		}
		col := ColumnSchema{
			Name:         name,
			OriginalName: name,
			Type:         ColumnType(jsonutil.FlexibleStringValue(lc.Type)),
			PandasType:   jsonutil.FlexibleStringValue(lc.PandasType),
			NullCount:    jsonutil.FlexibleIntValue(lc.NullCount),
			UniqueCount:  jsonutil.FlexibleIntValue(lc.UniqueCount),
			DateFormat:   jsonutil.FlexibleStringValue(lc.DateFormat),
		}
		for _, raw := range lc.SampleValues {
			col.SampleValues = append(col.SampleValues, jsonutil.FlexibleStringValue(raw))
		}
		normalizeColumn(&col)
		info.Columns = append(info.Columns, col)
		info.ColumnMapping[name] = name
	}
	return info, nil
}

func normalizeColumn(c *ColumnSchema) {
	if c.OriginalName == "" {
		c.OriginalName = c.Name
	}
	if !c.Type.IsValid() {
		c.Type = legacyType(string(c.Type), c.PandasType)
	}
	if c.PandasType == "" || c.PandasType == "unknown" {
		c.PandasType = c.Type.PandasType()
	}
}

// legacyType maps placeholder or dtype-style names onto concrete column types.
func legacyType(t, pandas string) ColumnType {
	for _, candidate := range []string{t, pandas} {
		switch candidate {
		case "int", "int32", "int64", "Int64", "bigint":
			return ColumnTypeInteger
		case "float", "float32", "float64", "double", "numeric":
			return ColumnTypeFloat
		case "bool", "boolean":
			return ColumnTypeBoolean
		case "datetime", "datetime64[ns]", "timestamp":
			return ColumnTypeDatetime
		case "date":
			return ColumnTypeDate
		}
	}
	return ColumnTypeString
}

func identityMapping(cols []ColumnSchema) map[string]string {
	m := make(map[string]string, len(cols))
	for _, c := range cols {
		m[c.OriginalName] = c.Name
	}
	return m
}
