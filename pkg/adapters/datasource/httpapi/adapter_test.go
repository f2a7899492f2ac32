package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/retry"
)

func newAPIFetcher(t *testing.T, descriptor map[string]any) datasource.Fetcher {
	t.Helper()
	f, err := datasource.NewFetcherFactory(datasource.Options{}).NewFetcher(context.Background(), "api", descriptor)
	require.NoError(t, err)
	return f
}

func TestFromMap_Validation(t *testing.T) {
	tests := []struct {
		name       string
		descriptor map[string]any
		wantErr    bool
	}{
		{"ok", map[string]any{"url": "https://api.example.com/orders"}, false},
		{"post", map[string]any{"url": "https://api.example.com/search", "method": "post"}, false},
		{"missing url", map[string]any{}, true},
		{"relative url", map[string]any{"url": "/orders"}, true},
		{"ftp", map[string]any{"url": "ftp://example.com/x"}, true},
		{"delete", map[string]any{"url": "https://api.example.com/x", "method": "DELETE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.descriptor, datasource.Options{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAdapter_FetchWrappedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "v1", r.Header.Get("X-Api-Version"))
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"meta": {"page": 1}, "results": [{"id": 1, "total": 9.5}, {"id": 2, "total": 3}]}`))
	}))
	defer srv.Close()

	f := newAPIFetcher(t, map[string]any{
		"url":     srv.URL + "/orders",
		"token":   "secret",
		"headers": map[string]any{"X-Api-Version": "v1"},
		"params":  map[string]any{"status": "open"},
	})

	fr, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "total"}, fr.Names())
	assert.Equal(t, 2, fr.NumRows())
	assert.Equal(t, []any{int64(1), 9.5}, fr.Row(0))
}

func TestAdapter_PostBodyAndRowCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2024", body["year"])
		_, _ = w.Write([]byte(`{"data": {"rows": [{"a": 1}, {"a": 2}, {"a": 3}]}}`))
	}))
	defer srv.Close()

	f := newAPIFetcher(t, map[string]any{
		"url":          srv.URL,
		"method":       "POST",
		"body":         map[string]any{"year": "2024"},
		"records_path": "data.rows",
		"max_rows":     2,
	})

	fr, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fr.NumRows())
}

func TestAdapter_StatusErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("try later"))
	}))
	defer srv.Close()

	f := newAPIFetcher(t, map[string]any{"url": srv.URL})

	_, err := f.Fetch(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.True(t, retry.IsRetryable(err), "503 is transient")

	status = http.StatusNotFound
	err = f.TestConnection(context.Background())
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err), "404 is permanent")
}

func TestAdapter_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	_, err := newAPIFetcher(t, map[string]any{"url": srv.URL}).Fetch(context.Background())
	assert.Error(t, err)
}
