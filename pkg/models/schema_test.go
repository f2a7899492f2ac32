package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSchemaInfo_Canonical(t *testing.T) {
	doc := `{
		"columns": [
			{"name": "Order_Date", "original_name": "Order Date", "type": "date", "pandas_type": "datetime64[ns]"},
			{"name": "Sales", "type": "float"}
		],
		"column_mapping": {"Order Date": "Order_Date", "Sales": "Sales"},
		"row_count": 5
	}`

	info, err := NormalizeSchemaInfo([]byte(doc))
	require.NoError(t, err)
	require.Len(t, info.Columns, 2)
	assert.Equal(t, []string{"Order_Date", "Sales"}, info.ColumnNames())
	assert.Equal(t, 5, info.RowCount)
	assert.Equal(t, "Sales", info.Columns[1].OriginalName)
	assert.Equal(t, "float64", info.Columns[1].PandasType)
	assert.True(t, info.AllTypesValid())
}

func TestNormalizeSchemaInfo_Legacy(t *testing.T) {
	doc := `{
		"amount": {"type": "unknown", "pandas_type": "float64", "null_count": "2", "unique_count": 10, "sample_values": [1.5, "2"]},
		"active": {"type": "bool", "sample_values": [true]},
		"notes":  {"type": "unknown"}
	}`

	info, err := NormalizeSchemaInfo([]byte(doc))
	require.NoError(t, err)
	require.Len(t, info.Columns, 3)

	active, ok := info.Column("active")
	require.True(t, ok)
	assert.Equal(t, ColumnTypeBoolean, active.Type)
	assert.Equal(t, []string{"true"}, active.SampleValues)

	amount, ok := info.Column("amount")
	require.True(t, ok)
	assert.Equal(t, ColumnTypeFloat, amount.Type)
	assert.Equal(t, 2, amount.NullCount)
	assert.Equal(t, 10, amount.UniqueCount)
	assert.Equal(t, []string{"1.5", "2"}, amount.SampleValues)

	notes, ok := info.Column("notes")
	require.True(t, ok)
	assert.Equal(t, ColumnTypeString, notes.Type, "placeholder types never survive normalization")
	assert.Equal(t, "object", notes.PandasType)
	assert.True(t, info.AllTypesValid())
}

func TestNormalizeSchemaInfo_Empty(t *testing.T) {
	for _, in := range []string{"", "null", "{}", "  "} {
		info, err := NormalizeSchemaInfo([]byte(in))
		require.NoError(t, err)
		assert.Nil(t, info)
	}

	_, err := NormalizeSchemaInfo([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestSchemaInfo_JSONRoundTrip(t *testing.T) {
	in := SchemaInfo{
		Columns: []ColumnSchema{{Name: "id", OriginalName: "ID", Type: ColumnTypeInteger, PandasType: "int64"}},
		ColumnMapping: map[string]string{"ID": "id"},
		RowCount:      3,
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out SchemaInfo
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Columns, out.Columns)
	assert.Equal(t, in.ColumnMapping, out.ColumnMapping)
}

func TestSchemaInfo_Contract(t *testing.T) {
	info := &SchemaInfo{Columns: []ColumnSchema{
		{Name: "id", Type: ColumnTypeInteger, PandasType: "int64", NullCount: 1, UniqueCount: 4},
	}}
	c := info.Contract()
	require.Contains(t, c, "id")
	assert.Equal(t, "integer", c["id"]["type"])
	assert.Equal(t, "int64", c["id"]["pandas_type"])
	assert.Equal(t, []string{}, c["id"]["sample_values"])
	assert.Equal(t, 4, c["id"]["unique_count"])
}

func TestColumnType_PandasType(t *testing.T) {
	tests := map[ColumnType]string{
		ColumnTypeString:   "object",
		ColumnTypeInteger:  "int64",
		ColumnTypeFloat:    "float64",
		ColumnTypeBoolean:  "bool",
		ColumnTypeDate:     "datetime64[ns]",
		ColumnTypeDatetime: "datetime64[ns]",
	}
	for ct, want := range tests {
		assert.Equal(t, want, ct.PandasType(), ct)
		assert.True(t, ct.IsValid())
	}
	assert.False(t, ColumnType("unknown").IsValid())
}
