package sql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"orders", true},
		{"_private", true},
		{"Order_Date", true},
		{"source_ab12", true},
		{"", false},
		{"1abc", false},
		{"order date", false},
		{"orders;DROP", false},
		{`a"b`, false},
		{"naïve", false},
		{"a-b", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidIdentifier(tt.input))
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	require.NoError(t, ValidateIdentifier("table", "orders"))

	err := ValidateIdentifier("column", "bad name")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidIdentifier))

	var ie *apperrors.InvalidIdentifierError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "column", ie.Kind)
	assert.Equal(t, "bad name", ie.Value)
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"orders", "orders"},
		{"Order Date", "Order_Date"},
		{"2020", "_2020"},
		{"", "_"},
		{"a-b.c", "a_b_c"},
		{"café", "caf_"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := SanitizeIdentifier(tt.input)
			assert.Equal(t, tt.expected, got)
			assert.True(t, IsValidIdentifier(got))
			assert.Equal(t, got, SanitizeIdentifier(got), "sanitize must be idempotent")
		})
	}
}

func TestSourceTableName(t *testing.T) {
	id := "6f1c2b9e-0d4a-4c1e-9a57-3b2f0e8d7c61"
	name := SourceTableName(id)
	assert.Equal(t, "source_6f1c2b9e0d4a4c1e9a573b2f0e8d7c61", name)
	assert.True(t, IsValidIdentifier(name))
	assert.True(t, IsSourceTableName(name))

	assert.False(t, IsSourceTableName("source_"))
	assert.False(t, IsSourceTableName("orders"))
	assert.False(t, IsSourceTableName("source_a_b"))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"orders"`, QuoteIdentifier("orders"))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
}
