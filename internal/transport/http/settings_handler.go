package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/middleware"
	"github.com/LabKey/platform-sub050/internal/services"
	"github.com/LabKey/platform-sub050/internal/settings"
	api "github.com/LabKey/platform-sub050/pkg/contracts/api/v1"
)

// SettingsHandler handles container and settings requests
type SettingsHandler struct {
	service   *services.SettingsService
	validator *middleware.ValidationMiddleware
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(service *services.SettingsService, validator *middleware.ValidationMiddleware, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *SettingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if errorHandler == nil {
		errorHandler = apperrors.NewErrorHandler(logger, false)
	}
	if validator == nil {
		validator = middleware.NewValidationMiddleware(logger, errorHandler)
	}
	return &SettingsHandler{
		service:   service,
		validator: validator,
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "settings")),
	}
}

// Routes returns a chi router for container endpoints
func (h *SettingsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateContainer)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetContainer)
		r.Delete("/", h.DeleteContainer)
		r.Get("/children", h.Children)
		r.Put("/parent", h.MoveContainer)

		r.Get("/settings/folder", h.GetFolderSettings)
		r.Put("/settings/folder", h.UpdateFolderSettings)
		r.Get("/settings/lookandfeel", h.GetLookAndFeel)
		r.Put("/settings/lookandfeel", h.UpdateLookAndFeel)

		r.Get("/properties/{category}", h.GetProperties)
		r.Get("/properties/{category}/{key}", h.GetProperty)
		r.Put("/properties/{category}/{key}", h.SetProperty)
	})

	return r
}

// decode reads and validates a JSON body into v
func (h *SettingsHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		h.errors.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return false
	}
	if err := h.validator.ValidateStruct(v); err != nil {
		h.errors.HandleError(w, r, err)
		return false
	}
	return true
}

// CreateContainer handles POST /api/containers
func (h *SettingsHandler) CreateContainer(w http.ResponseWriter, r *http.Request) {
	var req api.CreateContainerRequest
	if !h.decode(w, r, &req) {
		return
	}
	info, err := h.service.CreateContainer(r.Context(), req.ParentID, req.Name)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, containerResponse(info))
}

// GetContainer handles GET /api/containers/{id}
func (h *SettingsHandler) GetContainer(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.Container(chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, containerResponse(info))
}

// Children handles GET /api/containers/{id}/children
func (h *SettingsHandler) Children(w http.ResponseWriter, r *http.Request) {
	children, err := h.service.Children(chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	out := make([]api.ContainerResponse, 0, len(children))
	for _, c := range children {
		out = append(out, containerResponse(c))
	}
	render.JSON(w, r, out)
}

// MoveContainer handles PUT /api/containers/{id}/parent
func (h *SettingsHandler) MoveContainer(w http.ResponseWriter, r *http.Request) {
	var req api.MoveContainerRequest
	if !h.decode(w, r, &req) {
		return
	}
	info, err := h.service.MoveContainer(r.Context(), chi.URLParam(r, "id"), req.ParentID)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, containerResponse(info))
}

// DeleteContainer handles DELETE /api/containers/{id}
func (h *SettingsHandler) DeleteContainer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteContainer(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFolderSettings handles GET /api/containers/{id}/settings/folder
func (h *SettingsHandler) GetFolderSettings(w http.ResponseWriter, r *http.Request) {
	fs, err := h.service.FolderSettings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, fs)
}

// UpdateFolderSettings handles PUT /api/containers/{id}/settings/folder
func (h *SettingsHandler) UpdateFolderSettings(w http.ResponseWriter, r *http.Request) {
	var req api.FolderSettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	fs, err := h.service.UpdateFolderSettings(r.Context(), chi.URLParam(r, "id"), settings.FolderSettingsUpdate{
		DefaultDateFormat:        req.DefaultDateFormat,
		DefaultDateTimeFormat:    req.DefaultDateTimeFormat,
		DefaultNumberFormat:      req.DefaultNumberFormat,
		RestrictedColumnsEnabled: req.RestrictedColumnsEnabled,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, fs)
}

// GetLookAndFeel handles GET /api/containers/{id}/settings/lookandfeel
func (h *SettingsHandler) GetLookAndFeel(w http.ResponseWriter, r *http.Request) {
	lf, err := h.service.LookAndFeel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lf)
}

// UpdateLookAndFeel handles PUT /api/containers/{id}/settings/lookandfeel
func (h *SettingsHandler) UpdateLookAndFeel(w http.ResponseWriter, r *http.Request) {
	var req api.LookAndFeelRequest
	if !h.decode(w, r, &req) {
		return
	}
	lf, err := h.service.UpdateLookAndFeel(r.Context(), chi.URLParam(r, "id"), services.LookAndFeelUpdate{
		SystemName:        req.SystemName,
		SystemDescription: req.SystemDescription,
		ThemeName:         req.ThemeName,
		CompanyName:       req.CompanyName,
		SupportEmail:      req.SupportEmail,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lf)
}

// GetProperties handles GET /api/containers/{id}/properties/{category}
func (h *SettingsHandler) GetProperties(w http.ResponseWriter, r *http.Request) {
	props, err := h.service.Properties(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "category"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if props == nil {
		props = map[string]string{}
	}
	render.JSON(w, r, props)
}

// GetProperty handles GET /api/containers/{id}/properties/{category}/{key}.
// The value falls back to the nearest ancestor that sets it.
func (h *SettingsHandler) GetProperty(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.service.Property(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "category"), key)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"key": key, "value": value})
}

// SetProperty handles PUT /api/containers/{id}/properties/{category}/{key}
func (h *SettingsHandler) SetProperty(w http.ResponseWriter, r *http.Request) {
	var req api.SetPropertyRequest
	if !h.decode(w, r, &req) {
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.service.SetProperty(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "category"), key, req.Value); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"key": key, "value": req.Value})
}
