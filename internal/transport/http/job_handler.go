package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/operations"
	"github.com/LabKey/platform-sub050/internal/services"
	api "github.com/LabKey/platform-sub050/pkg/contracts/api/v1"
)

// JobHandler handles background job and shared R session requests
type JobHandler struct {
	service *services.ReportService
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(service *services.ReportService, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if errorHandler == nil {
		errorHandler = apperrors.NewErrorHandler(logger, false)
	}
	return &JobHandler{
		service: service,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "jobs")),
	}
}

// Routes returns a chi router for job endpoints
func (h *JobHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListJobs)
	r.Get("/{id}", h.GetJob)
	r.Delete("/{id}", h.CancelJob)
	return r
}

// SessionRoutes returns a chi router for shared R session endpoints
func (h *JobHandler) SessionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListSessions)
	r.Post("/", h.CreateSession)
	r.Delete("/{id}", h.ReleaseSession)
	return r
}

// GetJob handles GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Job(chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, jobResponse(job))
}

// CancelJob handles DELETE /api/jobs/{id}. Only pending jobs can be cancelled.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.CancelJob(id); err != nil {
		apperrors.LogHandlerError(h.logger, r, "Failed to cancel job", err)
		h.errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Job cancelled", slog.String("job_id", id))

	job, err := h.service.Job(id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, jobResponse(job))
}

// ListJobs handles GET /api/jobs?status=&container=&limit=&since=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := operations.JobFilter{
		Status:      operations.JobStatus(q.Get("status")),
		ContainerID: q.Get(paramContainer),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.errors.HandleError(w, r, apperrors.ErrValidation("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.errors.HandleError(w, r, apperrors.ErrValidation("since", "must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = since
	}

	jobs, err := h.service.Jobs(filter)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	out := make([]api.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	render.JSON(w, r, out)
}

// CreateSession handles POST /api/rsessions
func (h *JobHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.CreateRSession(r.Context())
	if err != nil {
		apperrors.LogHandlerError(h.logger, r, "Failed to create R session", err)
		h.errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sessionResponse(info))
}

// ReleaseSession handles DELETE /api/rsessions/{id}
func (h *JobHandler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReleaseRSession(chi.URLParam(r, "id")); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /api/rsessions
func (h *JobHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.service.RSessions()
	out := make([]api.RSessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse(s))
	}
	render.JSON(w, r, out)
}
