package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/csvfile"
	"github.com/ekaya-inc/ekaya-etl/pkg/crypto"
	"github.com/ekaya-inc/ekaya-etl/pkg/inference"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
	"github.com/ekaya-inc/ekaya-etl/pkg/store"
)

const apiTestKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

// newTestAPI wires the real services over in-memory repositories and a
// temporary SQLite store.
func newTestAPI(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cipher, err := crypto.NewDescriptorCipher(apiTestKey)
	require.NoError(t, err)

	sources := repositories.NewMemoryDataSourceRepository()
	ops := repositories.NewMemoryETLOperationRepository()
	locks := services.NewSourceLocks()
	wf := services.NewWorkflowService(sources, st, locks, services.DefaultMaxNullRate, logger)
	detector := services.NewRelationshipDetector(sources, services.DefaultMinConfidence, services.DefaultTopN, logger)
	factory := datasource.NewFetcherFactory(datasource.Options{Timeout: 5 * time.Second, Logger: logger})

	dsSvc := services.NewDataSourceService(sources, ops, cipher, factory, st, detector, wf, locks,
		services.DataSourceServiceConfig{FetchTimeout: 5 * time.Second, Inference: inference.DefaultOptions()}, logger)
	etlSvc := services.NewETLService(ops, sources, st, wf, logger)

	mux := http.NewServeMux()
	NewDataSourcesHandler(dsSvc, logger).RegisterRoutes(mux)
	NewOperationsHandler(etlSvc, logger).RegisterRoutes(mux)
	NewWorkflowHandler(wf, logger).RegisterRoutes(mux)
	return mux
}

func do(t *testing.T, mux *http.ServeMux, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func registerCSV(t *testing.T, mux *http.ServeMux, name, content string) *models.DataSource {
	t.Helper()
	var resp struct {
		Data CreateDataSourceResponse `json:"data"`
	}
	code := do(t, mux, http.MethodPost, "/api/datasources", map[string]any{
		"name":                  name,
		"type":                  "csv",
		"connection_descriptor": map[string]any{"content": content},
	}, &resp)
	require.Equal(t, http.StatusCreated, code)
	require.Empty(t, resp.Data.LoadError)
	require.NotNil(t, resp.Data.DataSource)
	return resp.Data.DataSource
}

func TestAPI_LoadCombineAndAdvance(t *testing.T) {
	mux := newTestAPI(t)

	east := registerCSV(t, mux, "east", "region,units\neast,4\neast,7\n")
	west := registerCSV(t, mux, "west", "region,units\nwest,2\nwest,9\n")
	require.NotEmpty(t, east.TableName)
	require.NotEmpty(t, west.TableName)

	var status struct {
		Data models.WorkflowStatus `json:"data"`
	}
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodGet, "/api/datasources/"+east.ID.String()+"/workflow", nil, &status))
	assert.True(t, status.Data.DataLoaded)
	assert.False(t, status.Data.ETLCompleted)

	// Skipping ahead is refused with a reason, not an HTTP error.
	var refused struct {
		Data models.TransitionResult `json:"data"`
	}
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/datasources/"+east.ID.String()+"/workflow/advance",
		map[string]any{"to": "query_enabled"}, &refused))
	assert.False(t, refused.Data.OK)
	assert.NotEmpty(t, refused.Data.Reason)

	var rejected struct {
		Success bool                `json:"success"`
		Data    models.ETLOperation `json:"data"`
		Error   string              `json:"error"`
	}
	code := do(t, mux, http.MethodPost, "/api/operations", map[string]any{
		"name":           "pivot regions",
		"operation_type": "pivot",
		"source_tables":  []string{east.TableName, west.TableName},
	}, &rejected)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, rejected.Success)
	assert.Equal(t, "unsupported_operation", rejected.Error)
	assert.Equal(t, models.OperationStatusFailed, rejected.Data.Status)

	var created struct {
		Data models.ETLOperation `json:"data"`
	}
	require.Equal(t, http.StatusCreated, do(t, mux, http.MethodPost, "/api/operations", map[string]any{
		"name":              "all regions",
		"operation_type":    "union",
		"source_tables":     []string{east.TableName, west.TableName},
		"parameters":        map[string]any{"union_type": "UNION ALL"},
		"output_table_name": "etl_all_regions",
	}, &created))
	assert.Contains(t, created.Data.GeneratedSQL, "UNION ALL")

	var result struct {
		Data models.OperationResult `json:"data"`
	}
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/api/operations/"+created.Data.ID.String()+"/execute", nil, &result))
	require.True(t, result.Data.Success, result.Data.Error)
	assert.Equal(t, int64(4), result.Data.RowCount)
	assert.Equal(t, "etl_all_regions", result.Data.OutputTable)

	require.Equal(t, http.StatusOK, do(t, mux, http.MethodGet, "/api/datasources/"+west.ID.String()+"/workflow", nil, &status))
	assert.True(t, status.Data.ETLCompleted)

	var list struct {
		Data []*models.ETLOperation `json:"data"`
	}
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodGet, "/api/operations", nil, &list))
	assert.Len(t, list.Data, 2)
}

func TestAPI_UnknownRoutesAndIDs(t *testing.T) {
	mux := newTestAPI(t)

	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, "/api/datasources/not-a-uuid", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/datasources/00000000-0000-0000-0000-000000000001", nil, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/datasources",
		map[string]any{"name": "x", "type": "parquet", "load": false}, nil))
}
