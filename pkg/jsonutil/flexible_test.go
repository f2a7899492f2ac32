package jsonutil

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexibleStringValue(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{"string value", json.RawMessage(`"hello"`), "hello"},
		{"integer value", json.RawMessage(`42`), "42"},
		{"float value", json.RawMessage(`3.14`), "3.14"},
		{"boolean", json.RawMessage(`false`), "false"},
		{"null value", json.RawMessage(`null`), ""},
		{"nil raw message", nil, ""},
		{"large integer preserves precision", json.RawMessage(`9007199254740993`), "9007199254740993"},
		{"object falls back to raw", json.RawMessage(`{"key":"value"}`), `{"key":"value"}`},
		{"padded", json.RawMessage(" 7 "), "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlexibleStringValue(tt.input))
		})
	}
}

func TestFlexibleIntValue(t *testing.T) {
	assert.Equal(t, 12, FlexibleIntValue(json.RawMessage(`"12"`)))
	assert.Equal(t, 3, FlexibleIntValue(json.RawMessage(`3.0`)))
	assert.Equal(t, 0, FlexibleIntValue(json.RawMessage(`"many"`)))
	assert.Equal(t, 0, FlexibleIntValue(nil))
}

func TestDecodeRecords(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		path  string
		rows  int
		order []string
	}{
		{"array", `[{"b":1,"a":2},{"a":3,"c":4}]`, "", 2, []string{"b", "a", "c"}},
		{"single object", `{"id":1,"name":"x"}`, "", 1, []string{"id", "name"}},
		{"wrapped", `{"meta":{"n":1},"results":[{"id":1},{"id":2}]}`, "", 2, []string{"id"}},
		{"explicit path", `{"data":{"items":[{"z":1}]}}`, "data.items", 1, []string{"z"}},
		{"empty array", `[]`, "", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, order, err := DecodeRecords(strings.NewReader(tt.doc), tt.path)
			require.NoError(t, err)
			assert.Len(t, recs, tt.rows)
			assert.Equal(t, tt.order, order)
		})
	}
}

func TestDecodeRecords_NumbersKeepPrecision(t *testing.T) {
	recs, _, err := DecodeRecords(strings.NewReader(`[{"id":9007199254740993}]`), "")
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), recs[0]["id"])
}

func TestDecodeRecords_Errors(t *testing.T) {
	_, _, err := DecodeRecords(strings.NewReader(``), "")
	assert.ErrorIs(t, err, ErrNoRecords)

	_, _, err = DecodeRecords(strings.NewReader(`"text"`), "")
	assert.ErrorIs(t, err, ErrNoRecords)

	_, _, err = DecodeRecords(strings.NewReader(`{"data":[]}`), "missing")
	assert.Error(t, err)

	_, _, err = DecodeRecords(strings.NewReader(`[1, 2]`), "")
	assert.Error(t, err)
}
