package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
)

// CreateDataSourceRequest for POST body.
type CreateDataSourceRequest struct {
	Name       string            `json:"name"`
	Type       models.SourceType `json:"type"`
	Descriptor map[string]any    `json:"connection_descriptor"`
	// Load defaults to true: the source is fetched and stored immediately.
	Load *bool `json:"load,omitempty"`
}

// TestConnectionRequest checks a descriptor without saving it.
type TestConnectionRequest struct {
	Type       models.SourceType `json:"type"`
	Descriptor map[string]any    `json:"connection_descriptor"`
}

// TestConnectionResponse for connection test result.
type TestConnectionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CreateDataSourceResponse carries the source and, when it was loaded, its refresh stats.
type CreateDataSourceResponse struct {
	DataSource *models.DataSource   `json:"datasource"`
	Stats      *models.RefreshStats `json:"stats,omitempty"`
	LoadError  string               `json:"load_error,omitempty"`
}

// DataSourcesHandler handles data source registration and refresh requests.
type DataSourcesHandler struct {
	service services.DataSourceService
	logger  *zap.Logger
}

// NewDataSourcesHandler creates a new data sources handler.
func NewDataSourcesHandler(service services.DataSourceService, logger *zap.Logger) *DataSourcesHandler {
	return &DataSourcesHandler{service: service, logger: logger}
}

// RegisterRoutes registers the data source routes on the given mux.
func (h *DataSourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/datasources", h.List)
	mux.HandleFunc("POST /api/datasources", h.Create)
	mux.HandleFunc("POST /api/datasources/test", h.TestConnection)
	mux.HandleFunc("GET /api/datasources/{dsid}", h.Get)
	mux.HandleFunc("DELETE /api/datasources/{dsid}", h.Delete)
	mux.HandleFunc("POST /api/datasources/{dsid}/refresh", h.Refresh)
	mux.HandleFunc("GET /api/datasources/{dsid}/relationships", h.Relationships)
}

// redact returns a copy of ds safe to send to clients.
func redact(ds *models.DataSource) *models.DataSource {
	if ds == nil {
		return nil
	}
	out := *ds
	out.ConnectionDescriptor = logging.SanitizeDescriptor(ds.ConnectionDescriptor)
	return &out
}

// List handles GET /api/datasources[?include_deleted=true]
func (h *DataSourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.service.List(r.Context(), queryBool(r, "include_deleted", false))
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list datasources", err)
		return
	}

	data := make([]*models.DataSource, len(sources))
	for i, ds := range sources {
		data[i] = redact(ds)
	}
	writeData(w, h.logger, http.StatusOK, data)
}

// Create handles POST /api/datasources
// A failed first load still registers the source; the response is 201 with load_error set.
func (h *DataSourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDataSourceRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	if req.Name == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_name", "Datasource name is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if req.Type == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_type", "Datasource type is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	load := req.Load == nil || *req.Load
	ds, stats, err := h.service.Register(r.Context(), req.Name, req.Type, req.Descriptor, load)
	if ds == nil {
		writeServiceError(w, h.logger, "Failed to create datasource", err)
		return
	}

	resp := CreateDataSourceResponse{DataSource: redact(ds), Stats: stats}
	if err != nil {
		h.logger.Warn("Datasource registered but initial load failed",
			zap.String("id", ds.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
		resp.LoadError = logging.SanitizeError(err)
	}
	writeData(w, h.logger, http.StatusCreated, resp)
}

// Get handles GET /api/datasources/{dsid}
func (h *DataSourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	ds, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get datasource", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, redact(ds))
}

// Delete handles DELETE /api/datasources/{dsid}
func (h *DataSourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "Failed to delete datasource", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Datasource deleted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Refresh handles POST /api/datasources/{dsid}/refresh
func (h *DataSourcesHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	stats, err := h.service.Refresh(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to refresh datasource", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, stats)
}

// Relationships handles GET /api/datasources/{dsid}/relationships
func (h *DataSourcesHandler) Relationships(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	candidates, err := h.service.Relationships(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to detect relationships", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, candidates)
}

// TestConnection handles POST /api/datasources/test
// Connection failures are reported in the body with status 200.
func (h *DataSourcesHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req TestConnectionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	resp := TestConnectionResponse{Success: true, Message: "Connection successful"}
	if err := h.service.TestConnection(r.Context(), req.Type, req.Descriptor); err != nil {
		resp = TestConnectionResponse{Success: false, Message: logging.SanitizeError(err)}
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
