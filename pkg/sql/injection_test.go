package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckParameterForInjection(t *testing.T) {
	tests := []struct {
		name            string
		value           any
		expectInjection bool
	}{
		{"column name", "customer_id", false},
		{"date", "2024-01-15", false},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", false},
		{"number", 42, false},
		{"bool", true, false},
		{"nil", nil, false},
		{"drop table", "'; DROP TABLE users--", true},
		{"tautology", "' OR '1'='1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckParameterForInjection("left_column", tt.value)
			if !tt.expectInjection {
				assert.Nil(t, result)
				return
			}
			require.NotNil(t, result)
			assert.Equal(t, "left_column", result.Path)
			assert.NotEmpty(t, result.Fingerprint)
		})
	}
}

func TestCheckAllParameters_WalksNestedValues(t *testing.T) {
	params := map[string]any{
		"left_column":  "id",
		"right_column": "'; DROP TABLE users--",
		"group_by":     []any{"region", "' OR '1'='1"},
		"aggregations": []any{
			map[string]any{"function": "SUM", "column": "sales"},
		},
	}

	results := CheckAllParameters(params)
	require.Len(t, results, 2)
	assert.Equal(t, "group_by[1]", results[0].Path)
	assert.Equal(t, "right_column", results[1].Path)
}

func TestCheckAllParameters_ChecksMapKeys(t *testing.T) {
	params := map[string]any{
		"columns": map[string]any{"'; DROP TABLE users--": "integer"},
	}
	results := CheckAllParameters(params)
	require.Len(t, results, 1)
	assert.Equal(t, "columns{key}", results[0].Path)
}

func TestCheckAllParameters_Clean(t *testing.T) {
	assert.Empty(t, CheckAllParameters(map[string]any{
		"columns": map[string]any{"amount": "float"},
		"limit":   10,
	}))
	assert.Empty(t, CheckAllParameters(nil))
}
