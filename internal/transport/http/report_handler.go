package http

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/exporter"
	"github.com/LabKey/platform-sub050/internal/middleware"
	"github.com/LabKey/platform-sub050/internal/operations"
	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/script"
	"github.com/LabKey/platform-sub050/internal/services"
	api "github.com/LabKey/platform-sub050/pkg/contracts/api/v1"
)

const (
	maxDescriptorBytes = 1 << 20
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ReportHandler handles report HTTP requests
type ReportHandler struct {
	service   *services.ReportService
	validator *middleware.ValidationMiddleware
	errors    *apperrors.ErrorHandler
	excel     *exporter.ExcelWriter
	logger    *slog.Logger
}

// NewReportHandler creates a new report handler
func NewReportHandler(service *services.ReportService, validator *middleware.ValidationMiddleware, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *ReportHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errorHandler == nil {
		errorHandler = apperrors.NewErrorHandler(logger, false)
	}
	if validator == nil {
		validator = middleware.NewValidationMiddleware(logger, errorHandler)
	}
	return &ReportHandler{
		service:   service,
		validator: validator,
		errors:    errorHandler,
		excel:     exporter.NewExcelWriter(),
		logger:    logger.With(slog.String("handler", "reports")),
	}
}

// Routes returns a chi router for report endpoints
func (h *ReportHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListReports)
	r.Post("/", h.CreateReport)
	r.Post("/validate", h.ValidateScript)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetReport)
		r.Put("/", h.UpdateReport)
		r.Delete("/", h.DeleteReport)
		r.Get("/render", h.RenderReport)
		r.Post("/execute", h.ExecuteReport)
		r.Get("/thumbnail", h.Thumbnail)
		r.Get("/attachments/{name}", h.Attachment)
		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs", h.ListReportJobs)
	})

	return r
}

func (h *ReportHandler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	ctx, span := otel.Tracer("report-handler").Start(r.Context(), "report_handler."+name,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("component", "report_handler"),
		),
	)
	if id := chi.URLParam(r, "id"); id != "" {
		span.SetAttributes(attribute.String("report.id", id))
	}
	return r.WithContext(ctx), span
}

func (h *ReportHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	apperrors.LogHandlerError(h.logger, r, msg, err)
	h.errors.HandleError(w, r, err)
}

func (h *ReportHandler) reportID(r *http.Request) (int64, error) {
	return services.ParseReportID(chi.URLParam(r, "id"))
}

// ListReports handles GET /api/reports
func (h *ReportHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "list")
	defer span.End()

	descs, err := h.service.List(r.Context(), r.URL.Query().Get(paramContainer))
	if err != nil {
		h.fail(w, r, span, "Failed to list reports", err)
		return
	}

	out := make([]api.ReportResponse, 0, len(descs))
	for _, d := range descs {
		out = append(out, reportResponse(r.Context(), h.service, d))
	}
	render.JSON(w, r, out)
}

// CreateReport handles POST /api/reports. The body is either a JSON
// CreateReportRequest or a serialized ReportDescriptor when the content
// type is XML.
func (h *ReportHandler) CreateReport(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "create")
	defer span.End()

	var (
		d   *report.Descriptor
		err error
	)
	if isXML(r) {
		d, err = h.decodeDescriptor(r)
	} else {
		var req api.CreateReportRequest
		if err = render.DecodeJSON(r.Body, &req); err != nil {
			err = apperrors.InvalidRequestWithError(err)
		} else if err = h.validator.ValidateStruct(&req); err == nil {
			d, err = descriptorFromRequest(&req)
		}
	}
	if err != nil {
		h.fail(w, r, span, "Invalid report definition", err)
		return
	}

	saved, err := h.service.Save(r.Context(), d)
	if err != nil {
		h.fail(w, r, span, "Failed to save report", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, reportResponse(r.Context(), h.service, saved))
}

func (h *ReportHandler) decodeDescriptor(r *http.Request) (*report.Descriptor, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDescriptorBytes))
	if err != nil {
		return nil, apperrors.InvalidRequestWithError(err)
	}
	d, err := report.FromXML(data)
	if err != nil {
		return nil, apperrors.InvalidDescriptor(err)
	}
	if d.ContainerID == "" {
		d.ContainerID = r.URL.Query().Get(paramContainer)
	}
	if d.ContainerID == "" {
		return nil, apperrors.ErrValidation(paramContainer, "container is required for descriptor uploads")
	}
	return d, nil
}

func isXML(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/xml" || mt == "text/xml"
}

// GetReport handles GET /api/reports/{id}. With ?format=xml the descriptor
// is returned in its serialized form.
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "get")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, span, "Failed to get report", err)
		return
	}

	if r.URL.Query().Get(paramFormat) == "xml" {
		data, err := d.ToXML()
		if err != nil {
			h.fail(w, r, span, "Failed to serialize report", err)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		_, _ = w.Write(data)
		return
	}
	render.JSON(w, r, reportResponse(r.Context(), h.service, d))
}

// UpdateReport handles PUT /api/reports/{id}
func (h *ReportHandler) UpdateReport(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "update")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}

	var req api.UpdateReportRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, r, span, "Invalid update request", apperrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		h.fail(w, r, span, "Invalid update request", err)
		return
	}

	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, span, "Failed to get report", err)
		return
	}
	if err := applyUpdate(d, &req); err != nil {
		h.fail(w, r, span, "Invalid update request", err)
		return
	}
	saved, err := h.service.Save(r.Context(), d)
	if err != nil {
		h.fail(w, r, span, "Failed to save report", err)
		return
	}
	render.JSON(w, r, reportResponse(r.Context(), h.service, saved))
}

// DeleteReport handles DELETE /api/reports/{id}
func (h *ReportHandler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "delete")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(w, r, span, "Failed to delete report", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenderReport handles GET /api/reports/{id}/render. The views are rendered
// into a buffer first so a failing view still yields a problem response.
func (h *ReportHandler) RenderReport(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "render")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	views, err := h.service.Render(r.Context(), id, runRequest(r, nil))
	if err != nil {
		h.fail(w, r, span, "Failed to render report", err)
		return
	}

	var buf bytes.Buffer
	if err := script.RenderAll(&buf, views); err != nil {
		h.fail(w, r, span, "Failed to render report", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// ExecuteReport handles POST /api/reports/{id}/execute
func (h *ReportHandler) ExecuteReport(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "execute")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	var req api.ExecuteReportRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil && err != io.EOF {
			h.fail(w, r, span, "Invalid execute request", apperrors.InvalidRequestWithError(err))
			return
		}
	}

	outputs, err := h.service.ExecuteScript(r.Context(), id, runRequest(r, req.Params))
	if err != nil {
		h.fail(w, r, span, "Failed to execute report", err)
		return
	}
	render.JSON(w, r, api.ExecuteReportResponse{ReportID: id, Outputs: outputResponses(outputs)})
}

// Thumbnail handles GET /api/reports/{id}/thumbnail
func (h *ReportHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "thumbnail")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	thumb, err := h.service.Thumbnail(r.Context(), id, runRequest(r, nil))
	if err != nil {
		h.fail(w, r, span, "Failed to create thumbnail", err)
		return
	}
	w.Header().Set("Content-Type", thumb.ContentType)
	w.Header().Set("Content-Disposition", "inline; filename=\""+thumb.File+"\"")
	_, _ = w.Write(thumb.Data)
}

// Attachment handles GET /api/reports/{id}/attachments/{name}.
// ?container= and ?run= select the run that produced the file. With
// ?format=xlsx a tab separated output is converted to a workbook.
func (h *ReportHandler) Attachment(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "attachment")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	name := chi.URLParam(r, "name")
	q := r.URL.Query()
	path, err := h.service.Attachment(r.Context(), id, services.AttachmentRequest{
		Name:        name,
		ContainerID: q.Get(paramContainer),
		RunID:       q.Get(paramRun),
	})
	if err != nil {
		h.fail(w, r, span, "Failed to find attachment", err)
		return
	}

	if r.URL.Query().Get(paramFormat) == "xlsx" {
		h.writeWorkbook(w, r, span, path, name)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		h.fail(w, r, span, "Failed to open attachment", apperrors.NewStorageError("failed to open attachment", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.fail(w, r, span, "Failed to open attachment", apperrors.NewStorageError("failed to stat attachment", err))
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (h *ReportHandler) writeWorkbook(w http.ResponseWriter, r *http.Request, span trace.Span, path, name string) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".tsv" && ext != ".txt" {
		h.fail(w, r, span, "Unsupported conversion",
			apperrors.ErrValidation(paramFormat, "only tab separated outputs convert to xlsx"))
		return
	}

	var buf bytes.Buffer
	if err := h.excel.ConvertTSV(path, &buf); err != nil {
		h.fail(w, r, span, "Failed to convert attachment", apperrors.NewStorageError("failed to convert attachment", err))
		return
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+base+".xlsx\"")
	_, _ = buf.WriteTo(w)
}

// SubmitJob handles POST /api/reports/{id}/jobs
func (h *ReportHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "submit_job")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	var req api.SubmitJobRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil && err != io.EOF {
			h.fail(w, r, span, "Invalid job request", apperrors.InvalidRequestWithError(err))
			return
		}
	}

	job, err := h.service.SubmitJob(r.Context(), id, runRequest(r, req.Params))
	if err != nil {
		h.fail(w, r, span, "Failed to submit job", err)
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, jobResponse(job))
}

// ListReportJobs handles GET /api/reports/{id}/jobs
func (h *ReportHandler) ListReportJobs(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "list_jobs")
	defer span.End()

	id, err := h.reportID(r)
	if err != nil {
		h.fail(w, r, span, "Invalid report id", err)
		return
	}
	jobs, err := h.service.Jobs(operations.JobFilter{
		ReportID: id,
		Status:   operations.JobStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.fail(w, r, span, "Failed to list jobs", err)
		return
	}
	out := make([]api.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	render.JSON(w, r, out)
}

// ValidateScript handles POST /api/reports/validate
func (h *ReportHandler) ValidateScript(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "validate")
	defer span.End()

	var req api.ValidateScriptRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, r, span, "Invalid validate request", apperrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		h.fail(w, r, span, "Invalid validate request", err)
		return
	}

	state, msgs := h.service.Validate(req.Script, req.ReportType)
	render.JSON(w, r, api.ValidateScriptResponse{State: state.String(), Errors: msgs})
}
