package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
)

// RegenerateOperationRequest for POST /api/operations/{oid}/regenerate.
// Omitted parameters reuse the original operation's parameters.
type RegenerateOperationRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

// OperationsHandler handles ETL operation requests.
type OperationsHandler struct {
	service services.ETLService
	logger  *zap.Logger
}

// NewOperationsHandler creates a new operations handler.
func NewOperationsHandler(service services.ETLService, logger *zap.Logger) *OperationsHandler {
	return &OperationsHandler{service: service, logger: logger}
}

// RegisterRoutes registers the operation routes on the given mux.
func (h *OperationsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/operations", h.List)
	mux.HandleFunc("POST /api/operations", h.Create)
	mux.HandleFunc("GET /api/operations/{oid}", h.Get)
	mux.HandleFunc("POST /api/operations/{oid}/execute", h.Execute)
	mux.HandleFunc("POST /api/operations/{oid}/regenerate", h.Regenerate)
}

// List handles GET /api/operations
func (h *OperationsHandler) List(w http.ResponseWriter, r *http.Request) {
	ops, err := h.service.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list operations", err)
		return
	}
	if ops == nil {
		ops = []*models.ETLOperation{}
	}
	writeData(w, h.logger, http.StatusOK, ops)
}

// Create handles POST /api/operations
// Synthesis failures return 400 and the saved failed operation in the body.
func (h *OperationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateOperationRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	op, err := h.service.Create(r.Context(), req)
	h.writeCreated(w, op, err)
}

// Regenerate handles POST /api/operations/{oid}/regenerate
func (h *OperationsHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseOperationID(w, r, h.logger)
	if !ok {
		return
	}
	var req RegenerateOperationRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req, h.logger) {
		return
	}
	op, err := h.service.Regenerate(r.Context(), id, req.Parameters)
	h.writeCreated(w, op, err)
}

func (h *OperationsHandler) writeCreated(w http.ResponseWriter, op *models.ETLOperation, err error) {
	if err == nil {
		writeData(w, h.logger, http.StatusCreated, op)
		return
	}
	if op == nil {
		writeServiceError(w, h.logger, "Failed to create operation", err)
		return
	}
	status, code := errorStatus(err)
	resp := ApiResponse{Success: false, Data: op, Error: code, Message: err.Error()}
	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/operations/{oid}
func (h *OperationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseOperationID(w, r, h.logger)
	if !ok {
		return
	}
	op, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get operation", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, op)
}

// Execute handles POST /api/operations/{oid}/execute
// A failed run is still 200; the result carries success=false and the error.
func (h *OperationsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseOperationID(w, r, h.logger)
	if !ok {
		return
	}
	result, err := h.service.Execute(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to execute operation", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, result)
}
