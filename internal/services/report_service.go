package services

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/LabKey/platform-sub050/internal/cache"
	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/container"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/execution"
	"github.com/LabKey/platform-sub050/internal/files"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
	"github.com/LabKey/platform-sub050/internal/operations"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/rserve"
	"github.com/LabKey/platform-sub050/internal/script"
	"github.com/LabKey/platform-sub050/internal/settings"
)

// RunRequest describes who renders a report and with which parameters
type RunRequest struct {
	ContainerID string
	User        string
	RawQuery    string
	ShowSection string
	Params      map[string]string
	SessionID   string
	TraceID     string
}

// ReportServiceDeps are the collaborators of a ReportService
type ReportServiceDeps struct {
	Store    report.Store
	Queries  query.Provider
	Runner   *execution.Runner
	Cache    *cache.ReportCache
	Files    *files.Manager
	Jobs     *operations.JobQueue
	Settings *settings.Manager
	Tree     *container.Tree
	Sessions *rserve.SessionManager
	Metrics  *infrastructure.ReportMetrics
	BaseURL  string
}

// ReportService is the entry point for report definitions and runs
type ReportService struct {
	deps   ReportServiceDeps
	logger *slog.Logger
}

// NewReportService creates a report service
func NewReportService(deps ReportServiceDeps, logger *slog.Logger) *ReportService {
	return &ReportService{
		deps:   deps,
		logger: infrastructure.WithComponent(logger, "report_service"),
	}
}

func (s *ReportService) reportDeps() report.Deps {
	deps := report.Deps{Queries: s.deps.Queries}
	if s.deps.Runner != nil {
		deps.Executor = s.deps.Runner
	}
	if s.deps.Cache != nil {
		deps.Cache = s.deps.Cache
	}
	if s.deps.Files != nil {
		deps.Files = s.deps.Files
	}
	return deps
}

// instantiate builds the report variant for a descriptor
func (s *ReportService) instantiate(d *report.Descriptor) (report.Report, error) {
	return report.New(d, s.reportDeps())
}

// Save creates the report when its id is zero and updates it otherwise.
// The variant's BeforeSave hook runs first, so cached outputs are dropped.
func (s *ReportService) Save(ctx context.Context, d *report.Descriptor) (*report.Descriptor, error) {
	if _, err := s.deps.Tree.Get(d.ContainerID); err != nil {
		return nil, err
	}
	r, err := s.instantiate(d)
	if err != nil {
		return nil, err
	}
	if r, ok := r.(report.ScriptReport); ok && d.Script() != "" {
		if err := script.Check(d.Script(), r.ValidationVariables()...); err != nil {
			s.logger.InfoContext(ctx, "Saving report with an invalid script",
				slog.Int64("report_id", d.ReportID),
				slog.String("error", err.Error()))
		}
	}
	if err := r.BeforeSave(ctx); err != nil {
		return nil, err
	}

	saved, err := s.deps.Store.Save(ctx, d)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Report saved",
		slog.Int64("report_id", saved.ReportID),
		slog.String("container", saved.ContainerID),
		slog.String("type", saved.ReportType))
	return saved, nil
}

// RunURL returns the URL that runs d, resolved against the site base URL
func (s *ReportService) RunURL(ctx context.Context, d *report.Descriptor) string {
	r, err := s.instantiate(d)
	if err != nil {
		return ""
	}
	baseURL := s.deps.BaseURL
	if s.deps.Settings != nil {
		if b, err := s.deps.Settings.BaseServerURL(ctx, baseURL); err == nil {
			baseURL = b
		}
	}
	return r.RunURL(baseURL)
}

// Get returns a report definition
func (s *ReportService) Get(ctx context.Context, id int64) (*report.Descriptor, error) {
	return s.deps.Store.Get(ctx, id)
}

// List returns the reports of a container, or every report for ""
func (s *ReportService) List(ctx context.Context, containerID string) ([]*report.Descriptor, error) {
	return s.deps.Store.List(ctx, containerID)
}

// Delete removes a report after its BeforeDelete hook has dropped cached
// outputs and working directories.
func (s *ReportService) Delete(ctx context.Context, id int64) error {
	d, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	r, err := s.instantiate(d)
	if err != nil {
		return err
	}
	if err := r.BeforeDelete(ctx); err != nil {
		return err
	}
	if err := s.deps.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Report deleted", slog.Int64("report_id", id))
	return nil
}

// Report loads and instantiates a report
func (s *ReportService) Report(ctx context.Context, id int64) (report.Report, error) {
	d, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.instantiate(d)
}

func (s *ReportService) scriptReport(ctx context.Context, id int64) (report.ScriptReport, error) {
	r, err := s.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	sr, ok := r.(report.ScriptReport)
	if !ok {
		return nil, apperrors.NewAppError(apperrors.ErrTypeValidation,
			fmt.Sprintf("report %d of type %s does not run a script", id, r.Type()), nil)
	}
	return sr, nil
}

// RunContext resolves the request into the context a report renders in
func (s *ReportService) RunContext(ctx context.Context, r report.Report, req RunRequest) (*report.RunContext, error) {
	containerID := req.ContainerID
	if containerID == "" {
		containerID = r.Descriptor().ContainerID
	}
	path, err := s.deps.Tree.Path(containerID)
	if err != nil {
		return nil, err
	}

	baseURL := s.deps.BaseURL
	if s.deps.Settings != nil {
		if baseURL, err = s.deps.Settings.BaseServerURL(ctx, s.deps.BaseURL); err != nil {
			return nil, err
		}
	}

	return &report.RunContext{
		ContainerID:   containerID,
		ContainerPath: path,
		User:          req.User,
		BaseURL:       baseURL,
		RawQuery:      req.RawQuery,
		ShowSection:   script.ParseShowSection(req.ShowSection),
		Params:        req.Params,
		SessionID:     req.SessionID,
	}, nil
}

// Render returns the views of a report. Reports marked to run in the
// background are submitted as a job and render a link to it instead.
func (s *ReportService) Render(ctx context.Context, id int64, req RunRequest) ([]script.View, error) {
	r, err := s.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := r.(report.ScriptReport); ok && r.Descriptor().RunInBackground() && s.deps.Jobs != nil {
		job, err := s.SubmitJob(ctx, id, req)
		if err != nil {
			return nil, err
		}
		return []script.View{jobView(job)}, nil
	}

	rc, err := s.RunContext(ctx, r, req)
	if err != nil {
		return nil, err
	}
	return r.Render(ctx, rc)
}

var jobTemplate = template.Must(template.New("job").Parse(
	`<div class="labkey-report-job" data-job="{{.ID}}">Report queued as background job <a href="/api/jobs/{{.ID}}">{{.ID}}</a> ({{.Status}})</div>
`))

func jobView(job *operations.Job) script.View {
	return script.ViewFunc(func(w io.Writer) error {
		return jobTemplate.Execute(w, job)
	})
}

// ExecuteScript runs a script report and returns its outputs
func (s *ReportService) ExecuteScript(ctx context.Context, id int64, req RunRequest) ([]script.ScriptOutput, error) {
	r, err := s.scriptReport(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.RunContext(ctx, r, req)
	if err != nil {
		return nil, err
	}
	return s.deps.Runner.ExecuteScript(ctx, r, rc)
}

// Thumbnail runs a script report and returns its first image output
func (s *ReportService) Thumbnail(ctx context.Context, id int64, req RunRequest) (*report.Thumbnail, error) {
	r, err := s.scriptReport(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.RunContext(ctx, r, req)
	if err != nil {
		return nil, err
	}
	return s.deps.Runner.Thumbnail(ctx, r, rc)
}

// Validate runs the validation gate over a script
func (s *ReportService) Validate(src string, reportType string) (script.State, []string) {
	var extra []string
	if reportType != "" {
		if r, err := report.New(report.NewDescriptor(reportType), report.Deps{}); err == nil {
			if sr, ok := r.(report.ScriptReport); ok {
				extra = sr.ValidationVariables()
			}
		}
	}
	return script.Validate(src, extra...)
}

// SubmitJob queues a pipeline mode run of a script report
func (s *ReportService) SubmitJob(ctx context.Context, id int64, req RunRequest) (*operations.Job, error) {
	if s.deps.Jobs == nil {
		return nil, apperrors.NewConfigError("background jobs are disabled", nil)
	}
	r, err := s.scriptReport(ctx, id)
	if err != nil {
		return nil, err
	}
	containerID := req.ContainerID
	if containerID == "" {
		containerID = r.Descriptor().ContainerID
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = infrastructure.GetTraceID(ctx)
	}
	meta := map[string]interface{}{
		"user":         req.User,
		"raw_query":    req.RawQuery,
		"show_section": req.ShowSection,
	}
	if traceID != "" {
		meta["trace_id"] = traceID
	}
	if len(req.Params) > 0 {
		params := make(map[string]interface{}, len(req.Params))
		for k, v := range req.Params {
			params[k] = v
		}
		meta["params"] = params
	}

	job := &operations.Job{
		ID:          uuid.NewString(),
		ReportID:    id,
		ContainerID: containerID,
		ReportType:  r.Type(),
		Metadata:    meta,
	}
	if err := s.deps.Jobs.Enqueue(job); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrTypeExecution, "failed to queue report job", err)
	}
	s.deps.Metrics.RecordJobSubmitted(ctx, r.Type())

	s.logger.InfoContext(ctx, "Report job submitted",
		slog.String("job_id", job.ID),
		slog.Int64("report_id", id))
	return s.deps.Jobs.GetJob(job.ID)
}

// Job returns the state of a background run
func (s *ReportService) Job(id string) (*operations.Job, error) {
	if s.deps.Jobs == nil {
		return nil, apperrors.NewNotFoundError("job " + id)
	}
	return s.deps.Jobs.GetJob(id)
}

// Jobs lists background runs matching filter
func (s *ReportService) Jobs(filter operations.JobFilter) ([]*operations.Job, error) {
	if s.deps.Jobs == nil {
		return nil, nil
	}
	return s.deps.Jobs.ListJobs(filter)
}

// CancelJob cancels a job that has not started yet
func (s *ReportService) CancelJob(id string) error {
	if s.deps.Jobs == nil {
		return apperrors.NewNotFoundError("job " + id)
	}
	if _, err := s.deps.Jobs.GetJob(id); err != nil {
		return err
	}
	if err := s.deps.Jobs.CancelJob(id); err != nil {
		return apperrors.NewAppError(apperrors.ErrTypeValidation, err.Error(), err)
	}
	return nil
}

// RSessions lists the open shared R sessions
func (s *ReportService) RSessions() []rserve.SessionInfo {
	if s.deps.Sessions == nil {
		return nil
	}
	return s.deps.Sessions.List()
}

// RunJob executes a queued job. It is the RunFunc of the job queue.
func (s *ReportService) RunJob(ctx context.Context, job *operations.Job) (*operations.JobResult, error) {
	r, err := s.scriptReport(ctx, job.ReportID)
	if err != nil {
		return nil, err
	}
	req := RunRequest{ContainerID: job.ContainerID}
	if v, ok := job.Metadata["user"].(string); ok {
		req.User = v
	}
	if v, ok := job.Metadata["raw_query"].(string); ok {
		req.RawQuery = v
	}
	if params, ok := job.Metadata["params"].(map[string]interface{}); ok {
		req.Params = make(map[string]string, len(params))
		for k, v := range params {
			req.Params[k] = fmt.Sprint(v)
		}
	}

	rc, err := s.RunContext(ctx, r, req)
	if err != nil {
		return nil, err
	}
	rc.Pipeline = true
	rc.ExecutionID = job.ID

	out, err := s.deps.Runner.Execute(ctx, r, rc)
	res := &operations.JobResult{}
	if out != nil {
		res.WorkDir = out.WorkDir
		for _, rep := range out.Replacements {
			if rep.Kind == script.KindConsole {
				res.LogFile = rep.File()
			}
		}
	}
	if err != nil {
		if !apperrors.IsScriptError(err) {
			return res, err
		}
		res.Outputs = script.ErrorOutput(err)
		return res, err
	}
	res.Outputs = script.LinkedOutputs(out.Replacements,
		execution.AttachmentURL(rc.BaseURL, job.ReportID, rc.ContainerID, job.ID))
	return res, nil
}

// AttachmentRequest names one output file of a report run
type AttachmentRequest struct {
	Name        string
	ContainerID string // container the run executed in, defaults to the report's
	RunID       string // interactive run or job id, empty for the latest outputs
}

// Attachment returns the path of an output file of a report. A named run
// is searched first. Cached outputs follow, then the working directories
// of background runs, newest first.
func (s *ReportService) Attachment(ctx context.Context, id int64, req AttachmentRequest) (string, error) {
	if !isPathElement(req.Name) {
		return "", apperrors.NewAppError(apperrors.ErrTypeValidation, "invalid attachment name", nil)
	}
	if req.RunID != "" && !isPathElement(req.RunID) {
		return "", apperrors.NewAppError(apperrors.ErrTypeValidation, "invalid run id", nil)
	}
	d, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	containerID := req.ContainerID
	if containerID == "" {
		containerID = d.ContainerID
	}
	if _, err := s.deps.Tree.Get(containerID); err != nil {
		return "", err
	}

	var candidates []string
	if s.deps.Files != nil && req.RunID != "" {
		candidates = append(candidates,
			filepath.Join(s.deps.Files.DownloadDir(containerID, id, req.RunID), req.Name),
			filepath.Join(s.deps.Files.WorkingDir(containerID, id, true, req.RunID), req.Name))
	}
	if s.deps.Cache != nil {
		candidates = append(candidates, filepath.Join(s.deps.Cache.Dir(containerID, id), req.Name))
	}
	if s.deps.Files != nil && req.RunID == "" {
		pipelineRoot := filepath.Join(s.deps.Files.ReportRoot(containerID, id), config.PipelineDirName)
		candidates = append(candidates, newestFirst(pipelineRoot, req.Name)...)
	}

	for _, path := range candidates {
		if files.FileExists(path) {
			return path, nil
		}
	}
	return "", apperrors.NewNotFoundError("attachment " + req.Name)
}

func isPathElement(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

// newestFirst lists dir/*/name ordered by the run directory's modification time
func newestFirst(dir, name string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type run struct {
		path string
		mod  int64
	}
	var runs []run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, run{filepath.Join(dir, e.Name(), name), info.ModTime().UnixNano()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].mod > runs[j].mod })

	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.path
	}
	return out
}

// CreateRSession opens a shared remote R session
func (s *ReportService) CreateRSession(ctx context.Context) (rserve.SessionInfo, error) {
	if s.deps.Sessions == nil {
		return rserve.SessionInfo{}, apperrors.NewConfigError("no remote R engine is configured", nil)
	}
	id, err := s.deps.Sessions.Create(ctx)
	if err != nil {
		return rserve.SessionInfo{}, apperrors.NewScriptExecutionError("Rserve", "failed to open R session", err)
	}
	for _, info := range s.deps.Sessions.List() {
		if info.ID == id {
			return info, nil
		}
	}
	return rserve.SessionInfo{ID: id, RefCount: 1}, nil
}

// ReleaseRSession drops the caller's reference to a shared session
func (s *ReportService) ReleaseRSession(id string) error {
	if s.deps.Sessions == nil {
		return apperrors.NewNotFoundError("R session " + id)
	}
	if err := s.deps.Sessions.Release(id); err != nil {
		return apperrors.NewAppError(apperrors.ErrTypeNotFound, "R session "+id+" not found", err)
	}
	return nil
}

// ParseReportID parses a report id path parameter
func ParseReportID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewAppError(apperrors.ErrTypeValidation, fmt.Sprintf("invalid report id %q", s), nil)
	}
	return id, nil
}
