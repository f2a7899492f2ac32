package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
)

// RunJobRequest for POST /api/jobs/{jid}/run. TriggeredBy defaults to "manual".
type RunJobRequest struct {
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// JobLogsResponse is one page of run logs.
type JobLogsResponse struct {
	Logs     []*models.ETLJobRunLog `json:"logs"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// JobsHandler handles scheduled job requests.
type JobsHandler struct {
	service services.SchedulerService
	logger  *zap.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(service services.SchedulerService, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{service: service, logger: logger}
}

// RegisterRoutes registers the job routes on the given mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("POST /api/jobs", h.Create)
	mux.HandleFunc("GET /api/jobs/{jid}", h.Get)
	mux.HandleFunc("PUT /api/jobs/{jid}", h.Update)
	mux.HandleFunc("DELETE /api/jobs/{jid}", h.Delete)
	mux.HandleFunc("POST /api/jobs/{jid}/run", h.Run)
	mux.HandleFunc("POST /api/jobs/{jid}/enable", h.Enable)
	mux.HandleFunc("POST /api/jobs/{jid}/disable", h.Disable)
	mux.HandleFunc("GET /api/jobs/{jid}/status", h.Status)
	mux.HandleFunc("GET /api/jobs/{jid}/logs", h.Logs)
}

// List handles GET /api/jobs
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*models.ScheduledETLJob{}
	}
	writeData(w, h.logger, http.StatusOK, jobs)
}

// Create handles POST /api/jobs
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.JobRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	job, err := h.service.CreateJob(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to create job", err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, job)
}

// Get handles GET /api/jobs/{jid}
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}
	job, err := h.service.GetJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get job", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, job)
}

// Update handles PUT /api/jobs/{jid}
func (h *JobsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}
	var req services.JobRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	job, err := h.service.UpdateJob(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to update job", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, job)
}

// Delete handles DELETE /api/jobs/{jid}
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.service.DeleteJob(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "Failed to delete job", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Job deleted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Run handles POST /api/jobs/{jid}/run
// The run is synchronous; a failed run is 200 with status "failed" in the log.
func (h *JobsHandler) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}
	var req RunJobRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req, h.logger) {
		return
	}
	runLog, err := h.service.RunNow(r.Context(), id, req.TriggeredBy)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to run job", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, runLog)
}

// Enable handles POST /api/jobs/{jid}/enable
func (h *JobsHandler) Enable(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}
	job, err := h.service.Enable(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to enable job", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, job)
}

// Disable handles POST /api/jobs/{jid}/disable
func (h *JobsHandler) Disable(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}
	job, err := h.service.Disable(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to disable job", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, job)
}

// Status handles GET /api/jobs/{jid}/status
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}
	report, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get job status", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, report)
}

// Logs handles GET /api/jobs/{jid}/logs?page=&page_size=
func (h *JobsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", services.DefaultLogPageSize)
	if pageSize <= 0 {
		pageSize = services.DefaultLogPageSize
	}
	if pageSize > services.MaxLogPageSize {
		pageSize = services.MaxLogPageSize
	}

	logs, total, err := h.service.ListLogs(r.Context(), id, page, pageSize)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list job logs", err)
		return
	}
	if logs == nil {
		logs = []*models.ETLJobRunLog{}
	}
	writeData(w, h.logger, http.StatusOK, JobLogsResponse{Logs: logs, Total: total, Page: page, PageSize: pageSize})
}
