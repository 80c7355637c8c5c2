package http

import (
	"context"
	"fmt"
	"net/http"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/middleware"
	"github.com/LabKey/platform-sub050/internal/operations"
	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/rserve"
	"github.com/LabKey/platform-sub050/internal/script"
	"github.com/LabKey/platform-sub050/internal/services"
	api "github.com/LabKey/platform-sub050/pkg/contracts/api/v1"
)

// Query parameters that steer a run rather than feed the script
const (
	paramShowSection = "showSection"
	paramContainer   = "container"
	paramSession     = "sessionId"
	paramFormat      = "format"
	paramRun         = "run"
)

// runRequest builds the run request of an incoming HTTP request
func runRequest(r *http.Request, params map[string]string) services.RunRequest {
	q := r.URL.Query()
	merged := make(map[string]string, len(q)+len(params))
	for k, v := range q {
		switch k {
		case paramShowSection, paramContainer, paramSession:
			continue
		}
		if len(v) > 0 {
			merged[k] = v[0]
		}
	}
	for k, v := range params {
		merged[k] = v
	}

	return services.RunRequest{
		ContainerID: q.Get(paramContainer),
		User:        middleware.GetUser(r.Context()),
		RawQuery:    r.URL.RawQuery,
		ShowSection: q.Get(paramShowSection),
		Params:      merged,
		SessionID:   q.Get(paramSession),
		TraceID:     middleware.GetReqID(r.Context()),
	}
}

// applyProperties copies request properties onto a descriptor. List valued
// keys accept a string or a list of strings; other keys need a string.
func applyProperties(d *report.Descriptor, props map[string]interface{}) error {
	var fieldErrs []apperrors.FieldError
	for k, v := range props {
		key := report.PropKey(k)
		switch val := v.(type) {
		case nil:
			d.Remove(key)
		case string:
			if key.IsArrayType() {
				d.SetList(key, []string{val})
			} else {
				d.Set(key, val)
			}
		case []interface{}:
			if !key.IsArrayType() {
				fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "properties." + k, Message: "must be a string"})
				continue
			}
			values := make([]string, 0, len(val))
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "properties." + k, Message: "must contain only strings"})
					break
				}
				values = append(values, s)
			}
			d.SetList(key, values)
		case bool:
			d.Set(key, fmt.Sprintf("%t", val))
		case float64:
			d.Set(key, fmt.Sprintf("%g", val))
		default:
			fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "properties." + k, Message: "unsupported value"})
		}
	}
	if len(fieldErrs) > 0 {
		return apperrors.NewFieldErrors(fieldErrs)
	}
	return nil
}

func descriptorFromRequest(req *api.CreateReportRequest) (*report.Descriptor, error) {
	d := report.NewDescriptor(req.ReportType)
	d.ContainerID = req.ContainerID
	d.Category = req.Category
	d.DisplayOrder = req.DisplayOrder
	d.OwnerID = req.OwnerID
	if err := applyProperties(d, req.Properties); err != nil {
		return nil, err
	}
	d.Set(report.PropReportName, req.Name)
	if req.Description != "" {
		d.Set(report.PropReportDescription, req.Description)
	}
	return d, nil
}

func applyUpdate(d *report.Descriptor, req *api.UpdateReportRequest) error {
	if err := applyProperties(d, req.Properties); err != nil {
		return err
	}
	if req.Name != nil {
		d.Set(report.PropReportName, *req.Name)
	}
	if req.Description != nil {
		if *req.Description == "" {
			d.Remove(report.PropReportDescription)
		} else {
			d.Set(report.PropReportDescription, *req.Description)
		}
	}
	if req.Category != nil {
		d.Category = *req.Category
	}
	if req.DisplayOrder != nil {
		d.DisplayOrder = *req.DisplayOrder
	}
	return nil
}

func reportResponse(ctx context.Context, svc *services.ReportService, d *report.Descriptor) api.ReportResponse {
	return api.ReportResponse{
		ID:              d.ReportID,
		ContainerID:     d.ContainerID,
		EntityID:        d.EntityID,
		ReportType:      d.ReportType,
		DescriptorType:  d.DescriptorType,
		Name:            d.ReportName(),
		Category:        d.Category,
		DisplayOrder:    d.DisplayOrder,
		OwnerID:         d.OwnerID,
		RunURL:          svc.RunURL(ctx, d),
		Properties:      d.Properties(),
		ContentModified: d.ContentModified,
		Created:         d.Created,
		Modified:        d.Modified,
	}
}

func outputResponses(outputs []script.ScriptOutput) []api.ScriptOutputResponse {
	out := make([]api.ScriptOutputResponse, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, api.ScriptOutputResponse{
			Type:  string(o.Type),
			Name:  o.Name,
			Value: o.Value,
			File:  o.File,
			URL:   o.URL,
		})
	}
	return out
}

func jobResponse(job *operations.Job) api.JobResponse {
	resp := api.JobResponse{
		ID:          job.ID,
		ReportID:    job.ReportID,
		Status:      string(job.Status),
		Progress:    job.Progress,
		Message:     job.Message,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		PollURL:     "/api/jobs/" + job.ID,
	}
	if len(job.Outputs) > 0 {
		resp.Outputs = outputResponses(job.Outputs)
	}
	return resp
}

func sessionResponse(info rserve.SessionInfo) api.RSessionResponse {
	return api.RSessionResponse{
		ID:        info.ID,
		RefCount:  info.RefCount,
		CreatedAt: info.CreatedAt,
	}
}

func containerResponse(info services.ContainerInfo) api.ContainerResponse {
	return api.ContainerResponse{
		ID:       info.ID,
		Name:     info.Name,
		ParentID: info.ParentID,
		Type:     string(info.Type),
		Path:     info.Path,
	}
}
