package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
)

// ValidateTransitionRequest for POST .../workflow/validate.
type ValidateTransitionRequest struct {
	From     models.WorkflowStage         `json:"from,omitempty"`
	To       models.WorkflowStage         `json:"to"`
	Evidence *services.TransitionEvidence `json:"evidence,omitempty"`
}

// AdvanceRequest for POST .../workflow/advance.
type AdvanceRequest struct {
	To     models.WorkflowStage `json:"to"`
	Force  bool                 `json:"force,omitempty"`
	Reason string               `json:"reason,omitempty"`
}

// RerunRequest for POST .../workflow/rerun.
type RerunRequest struct {
	Stage models.WorkflowStage `json:"stage"`
}

// SparseColumnsRequest for PUT .../workflow/sparse_columns.
type SparseColumnsRequest struct {
	Columns []string `json:"columns"`
}

// WorkflowHandler exposes the per-source readiness workflow.
type WorkflowHandler struct {
	service services.WorkflowService
	logger  *zap.Logger
}

// NewWorkflowHandler creates a new workflow handler.
func NewWorkflowHandler(service services.WorkflowService, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{service: service, logger: logger}
}

// RegisterRoutes registers the workflow routes on the given mux.
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/datasources/{dsid}/workflow", h.Get)
	mux.HandleFunc("POST /api/datasources/{dsid}/workflow/validate", h.Validate)
	mux.HandleFunc("POST /api/datasources/{dsid}/workflow/advance", h.Advance)
	mux.HandleFunc("POST /api/datasources/{dsid}/workflow/rerun", h.Rerun)
	mux.HandleFunc("PUT /api/datasources/{dsid}/workflow/sparse_columns", h.SetSparseColumns)
}

// Get handles GET /api/datasources/{dsid}/workflow
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	status, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get workflow status", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, status)
}

// Validate handles POST /api/datasources/{dsid}/workflow/validate
func (h *WorkflowHandler) Validate(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	var req ValidateTransitionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.ValidateTransition(r.Context(), id, req.From, req.To, req.Evidence)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to validate transition", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, res)
}

// Advance handles POST /api/datasources/{dsid}/workflow/advance
// A refused transition is 200 with ok=false and the gate's reason.
func (h *WorkflowHandler) Advance(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	var req AdvanceRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.Advance(r.Context(), id, req.To, req.Force, req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to advance workflow", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, res)
}

// Rerun handles POST /api/datasources/{dsid}/workflow/rerun
func (h *WorkflowHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	var req RerunRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	res, err := h.service.Rerun(r.Context(), id, req.Stage)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to rerun workflow stage", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, res)
}

// SetSparseColumns handles PUT /api/datasources/{dsid}/workflow/sparse_columns
func (h *WorkflowHandler) SetSparseColumns(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	var req SparseColumnsRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if err := h.service.SetSparseColumns(r.Context(), id, req.Columns); err != nil {
		writeServiceError(w, h.logger, "Failed to set sparse columns", err)
		return
	}
	status, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get workflow status", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, status)
}
