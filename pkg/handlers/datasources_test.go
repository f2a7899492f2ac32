package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

type dataSourceEnvelope struct {
	Success bool                     `json:"success"`
	Data    CreateDataSourceResponse `json:"data"`
}

func TestDataSourcesHandler_ListRedactsSecrets(t *testing.T) {
	service := &mockDataSourceService{
		sources: []*models.DataSource{{
			ID:                   uuid.New(),
			Name:                 "warehouse",
			SourceType:           models.SourceTypePostgres,
			ConnectionDescriptor: map[string]any{"host": "db", "password": "secret123"},
		}},
	}
	handler := NewDataSourcesHandler(service, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/datasources", nil)
	rec := httptest.NewRecorder()
	handler.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool                 `json:"success"`
		Data    []*models.DataSource `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, logging.RedactedText, resp.Data[0].ConnectionDescriptor["password"])
	assert.Equal(t, "db", resp.Data[0].ConnectionDescriptor["host"])
	assert.Equal(t, "secret123", service.sources[0].ConnectionDescriptor["password"], "service copy untouched")
}

func TestDataSourcesHandler_Create(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		service    *mockDataSourceService
		wantStatus int
		wantError  string
		wantLoad   bool
	}{
		{
			name:       "loads by default",
			body:       `{"name":"orders","type":"csv","connection_descriptor":{"path":"/data/orders.csv"}}`,
			service:    &mockDataSourceService{stats: &models.RefreshStats{RecordsProcessed: 3, RecordsAdded: 3}},
			wantStatus: http.StatusCreated,
			wantLoad:   true,
		},
		{
			name:       "load disabled",
			body:       `{"name":"orders","type":"csv","load":false}`,
			service:    &mockDataSourceService{},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing name",
			body:       `{"type":"csv"}`,
			service:    &mockDataSourceService{},
			wantStatus: http.StatusBadRequest,
			wantError:  "missing_name",
		},
		{
			name:       "missing type",
			body:       `{"name":"orders"}`,
			service:    &mockDataSourceService{},
			wantStatus: http.StatusBadRequest,
			wantError:  "missing_type",
		},
		{
			name:       "malformed body",
			body:       `{`,
			service:    &mockDataSourceService{},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "invalid parameter from service",
			body:       `{"name":"orders","type":"csv"}`,
			service:    &mockDataSourceService{err: apperrors.ErrInvalidParameter},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_parameter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewDataSourcesHandler(tt.service, zap.NewNop())
			req := httptest.NewRequest(http.MethodPost, "/api/datasources", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			handler.Create(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantError != "" {
				var resp map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantError, resp["error"])
				return
			}
			assert.Equal(t, tt.wantLoad, tt.service.lastLoad)
			assert.Equal(t, models.SourceTypeCSV, tt.service.lastType)
		})
	}
}

func TestDataSourcesHandler_CreateFailedLoad(t *testing.T) {
	service := &mockDataSourceService{registerErr: errors.New("open /data/orders.csv: no such file or directory")}
	handler := NewDataSourcesHandler(service, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/datasources",
		bytes.NewBufferString(`{"name":"orders","type":"csv","connection_descriptor":{"path":"/data/orders.csv"}}`))
	rec := httptest.NewRecorder()
	handler.Create(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, "source stays registered")
	var resp dataSourceEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data.DataSource)
	assert.Equal(t, "orders", resp.Data.DataSource.Name)
	assert.Contains(t, resp.Data.LoadError, "no such file")
	assert.Nil(t, resp.Data.Stats)
}

func TestDataSourcesHandler_GetNotFound(t *testing.T) {
	handler := NewDataSourcesHandler(&mockDataSourceService{}, zap.NewNop())

	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/datasources/"+id.String(), nil)
	req.SetPathValue("dsid", id.String())
	rec := httptest.NewRecorder()
	handler.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDataSourcesHandler_Delete(t *testing.T) {
	service := &mockDataSourceService{}
	handler := NewDataSourcesHandler(service, zap.NewNop())

	id := uuid.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/datasources/"+id.String(), nil)
	req.SetPathValue("dsid", id.String())
	rec := httptest.NewRecorder()
	handler.Delete(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, service.deletedSource)
}

func TestDataSourcesHandler_RefreshErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"deleted source", apperrors.ErrConflict, http.StatusConflict},
		{"missing source", apperrors.ErrNotFound, http.StatusNotFound},
		{"fetch failure", errors.New("dial tcp: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewDataSourcesHandler(&mockDataSourceService{err: tt.err}, zap.NewNop())
			id := uuid.New()
			req := httptest.NewRequest(http.MethodPost, "/api/datasources/"+id.String()+"/refresh", nil)
			req.SetPathValue("dsid", id.String())
			rec := httptest.NewRecorder()
			handler.Refresh(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestDataSourcesHandler_TestConnection(t *testing.T) {
	tests := []struct {
		name        string
		testErr     error
		wantSuccess bool
	}{
		{"reachable", nil, true},
		{"unreachable", errors.New("connection test failed: password authentication failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewDataSourcesHandler(&mockDataSourceService{testErr: tt.testErr}, zap.NewNop())
			req := httptest.NewRequest(http.MethodPost, "/api/datasources/test",
				bytes.NewBufferString(`{"type":"postgres","connection_descriptor":{"host":"db"}}`))
			rec := httptest.NewRecorder()
			handler.TestConnection(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			var resp TestConnectionResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantSuccess, resp.Success)
		})
	}
}
