// Package execution runs script reports: validation, input generation,
// materialization, engine evaluation, output collection and caching.
package execution

import (
	"context"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LabKey/platform-sub050/internal/cache"
	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/engine"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/exporter"
	"github.com/LabKey/platform-sub050/internal/files"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/script"
)

// Outcome is what one execution left behind
type Outcome struct {
	WorkDir      string // empty on a cache hit
	RunID        string // names the run in download links, empty on a cache hit
	Replacements []*script.ParamReplacement
	Value        string
	Cached       bool
}

// Runner executes script reports. It implements report.ScriptExecutor.
type Runner struct {
	engines      *engine.Manager
	files        *files.Manager
	cache        *cache.ReportCache
	tsv          *exporter.TSVWriter
	materializer *script.Materializer
	metrics      *infrastructure.ReportMetrics
	tracer       trace.Tracer
	logger       *slog.Logger
}

// NewRunner creates a runner. rc may be nil to disable output caching.
func NewRunner(engines *engine.Manager, fm *files.Manager, rc *cache.ReportCache, metrics *infrastructure.ReportMetrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engines:      engines,
		files:        fm,
		cache:        rc,
		tsv:          exporter.NewTSVWriter(logger),
		materializer: script.NewMaterializer(fm, logger),
		metrics:      metrics,
		tracer:       otel.Tracer(infrastructure.MeterName),
		logger:       logger.With(slog.String("component", "runner")),
	}
}

var _ report.ScriptExecutor = (*Runner)(nil)

// Execute runs r once. Validation failures return a
// *apperrors.ScriptValidationError before any engine is started and
// engine failures return a *apperrors.ScriptExecutionError together with
// the outcome so far. Any other error is an infrastructure failure.
func (x *Runner) Execute(ctx context.Context, r report.ScriptReport, rc *report.RunContext) (*Outcome, error) {
	if rc == nil {
		rc = &report.RunContext{}
	}
	desc := r.Descriptor()
	containerID := runContainer(r, rc)

	ctx, span := x.tracer.Start(ctx, "report.execute", trace.WithAttributes(
		attribute.Int64("report.id", desc.ReportID),
		attribute.String("report.type", r.Type()),
		attribute.Bool("pipeline", rc.Pipeline),
	))
	defer span.End()

	if err := script.Check(desc.Script(), r.ValidationVariables()...); err != nil {
		x.metrics.RecordValidationError(ctx, r.Type())
		span.SetStatus(codes.Error, "invalid script")
		x.logger.InfoContext(ctx, "Script rejected by validation",
			slog.Int64("report_id", desc.ReportID),
			slog.String("error", err.Error()))
		return nil, err
	}

	cached := desc.IsCached() && x.cache != nil && desc.ReportID != 0
	if cached {
		if reps, ok := x.cache.Lookup(ctx, containerID, desc.ReportID, rc.RawQuery); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return &Outcome{Replacements: reps, Cached: true}, nil
		}
	}

	eng, err := x.resolveEngine(r.EngineName())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("engine", eng.Name()))

	workDir, err := x.files.CreateWorkingDir(containerID, desc.ReportID, rc.Pipeline, rc.ExecutionID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{WorkDir: workDir, RunID: filepath.Base(workDir)}

	inputFile, err := x.writeInput(ctx, r, rc, workDir)
	if err != nil {
		return out, err
	}

	prolog := eng.Prolog(script.PrologContext{
		BaseURL:       rc.BaseURL,
		ContainerPath: rc.ContainerPath,
		UserEmail:     rc.User,
		WorkDir:       workDir,
		SessionID:     rc.SessionID,
		HasInput:      inputFile != "",
	})
	mat, err := x.materializer.Materialize(desc.Script(), inputFile, workDir, prolog)
	if err != nil {
		return out, err
	}
	out.Replacements = mat.Replacements

	scriptFile := filepath.Join(workDir, scriptFileName(eng.Extension()))
	if err := os.WriteFile(scriptFile, []byte(mat.Script), 0644); err != nil {
		return out, apperrors.NewInfrastructureError("failed to write script file", err).WithContext("file", scriptFile)
	}

	req := &engine.Request{
		Script:     mat.Script,
		ScriptFile: scriptFile,
		WorkDir:    workDir,
		InputFile:  inputFile,
		Params:     rc.Params,
		Container:  containerID,
		User:       rc.User,
	}
	if desc.ShareSession() {
		req.SessionID = rc.SessionID
	}

	x.metrics.RecordActive(ctx, 1, eng.Name())
	start := time.Now()
	res, evalErr := eng.Eval(ctx, req)
	duration := time.Since(start)
	x.metrics.RecordActive(ctx, -1, eng.Name())
	x.metrics.RecordExecution(ctx, eng.Name(), r.Type(), duration, evalErr)

	if res != nil {
		out.Value = res.Value
		if res.Console != nil {
			out.Replacements = append(out.Replacements, res.Console)
		}
	}
	if evalErr != nil {
		span.RecordError(evalErr)
		span.SetStatus(codes.Error, "script failed")
		x.logger.WarnContext(ctx, "Script execution failed",
			slog.Int64("report_id", desc.ReportID),
			slog.String("engine", eng.Name()),
			slog.Duration("duration", duration),
			slog.String("error", evalErr.Error()))
		if !apperrors.IsScriptError(evalErr) && !apperrors.IsInfrastructure(evalErr) {
			evalErr = apperrors.NewScriptExecutionError(eng.Name(), "script evaluation failed", evalErr)
		}
		return out, evalErr
	}

	exclude := []string{scriptFile}
	if inputFile != "" {
		exclude = append(exclude, inputFile)
	}
	if err := script.CollectRegexFiles(workDir, out.Replacements, exclude...); err != nil {
		return out, apperrors.NewScriptExecutionError(eng.Name(), "failed to collect output files", err)
	}

	x.logger.InfoContext(ctx, "Script executed",
		slog.Int64("report_id", desc.ReportID),
		slog.String("engine", eng.Name()),
		slog.Duration("duration", duration),
		slog.Int("outputs", len(out.Replacements)))

	if cached {
		stored, err := x.cache.Store(ctx, containerID, desc.ReportID, rc.RawQuery, out.Replacements)
		switch {
		case err == nil:
			out.Replacements = stored
		case apperrors.IsInfrastructure(err):
			return out, err
		default:
			x.logger.WarnContext(ctx, "Failed to cache report outputs",
				slog.Int64("report_id", desc.ReportID),
				slog.String("error", err.Error()))
		}
	}
	return out, nil
}

// writeInput writes the report's result set as the input TSV. It returns
// "" when the report has no query.
func (x *Runner) writeInput(ctx context.Context, r report.ScriptReport, rc *report.RunContext, workDir string) (string, error) {
	res, err := r.GenerateResultSet(ctx, rc)
	if err != nil {
		if apperrors.IsInfrastructure(err) {
			return "", err
		}
		return "", apperrors.NewScriptExecutionError(r.EngineName(), "failed to generate input data", err)
	}
	if res == nil {
		return "", nil
	}
	path := filepath.Join(workDir, config.DefaultInputFile)
	if err := x.tsv.WriteResult(path, res); err != nil {
		return "", apperrors.NewInfrastructureError("failed to write input data", err).WithContext("file", path)
	}
	return path, nil
}

// resolveEngine finds the engine by name, or by extension for names of the
// form "ext:<extension>". An unknown engine is a script execution error.
func (x *Runner) resolveEngine(name string) (engine.Engine, error) {
	var (
		eng engine.Engine
		err error
	)
	if ext, ok := strings.CutPrefix(name, report.ExtensionEnginePrefix); ok {
		eng, err = x.engines.ForFile(config.DefaultScriptFile + "." + ext)
	} else {
		eng, err = x.engines.Get(name)
	}
	if err != nil {
		return nil, apperrors.NewScriptExecutionError(name, "no script engine available", err)
	}
	return eng, nil
}

func scriptFileName(ext string) string {
	if ext == "" {
		return config.DefaultScriptFile
	}
	return config.DefaultScriptFile + "." + strings.TrimPrefix(ext, ".")
}

// Render executes r and returns its views. Script errors render inline
// ahead of whatever outputs were produced. Interactive runs end with a
// view that deletes the working directory.
func (x *Runner) Render(ctx context.Context, r report.ScriptReport, rc *report.RunContext) ([]script.View, error) {
	if rc == nil {
		rc = &report.RunContext{}
	}
	out, err := x.Execute(ctx, r, rc)
	if err != nil && !apperrors.IsScriptError(err) {
		x.cleanup(rc, out)
		return nil, err
	}
	x.publishDownloads(ctx, r, rc, out)

	var views []script.View
	if err != nil {
		views = append(views, script.ErrorView(err))
	}
	if out != nil {
		views = append(views, script.Views(out.Replacements, script.RenderOptions{
			ShowSection:   rc.ShowSection,
			AttachmentURL: AttachmentURL(rc.BaseURL, r.Descriptor().ReportID, runContainer(r, rc), out.RunID),
		})...)
		if !rc.Pipeline && out.WorkDir != "" {
			views = append(views, script.CleanupView(out.WorkDir, x.files.DeleteDirectory))
		}
	}
	return views, nil
}

// ExecuteScript executes r and returns its outputs as records. Script
// errors become a single error record.
func (x *Runner) ExecuteScript(ctx context.Context, r report.ScriptReport, rc *report.RunContext) ([]script.ScriptOutput, error) {
	if rc == nil {
		rc = &report.RunContext{}
	}
	out, err := x.Execute(ctx, r, rc)
	defer x.cleanup(rc, out)

	if err != nil {
		if apperrors.IsScriptError(err) {
			return script.ErrorOutput(err), nil
		}
		return nil, err
	}
	x.publishDownloads(ctx, r, rc, out)
	link := AttachmentURL(rc.BaseURL, r.Descriptor().ReportID, runContainer(r, rc), out.RunID)
	return script.LinkedOutputs(out.Replacements, link), nil
}

// Thumbnail executes r and returns the first output that renders as an image
func (x *Runner) Thumbnail(ctx context.Context, r report.ScriptReport, rc *report.RunContext) (*report.Thumbnail, error) {
	if rc == nil {
		rc = &report.RunContext{}
	}
	out, err := x.Execute(ctx, r, rc)
	defer x.cleanup(rc, out)
	if err != nil {
		return nil, err
	}

	rep, file, ok := script.Thumbnail(out.Replacements)
	if !ok {
		return nil, apperrors.NewNotFoundError("thumbnail")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read thumbnail", err).WithContext("file", file)
	}
	return &report.Thumbnail{
		Name:        rep.Name,
		File:        filepath.Base(file),
		ContentType: contentType(file),
		Data:        data,
	}, nil
}

func (x *Runner) cleanup(rc *report.RunContext, out *Outcome) {
	if rc.Pipeline || out == nil || out.WorkDir == "" {
		return
	}
	if err := x.files.DeleteDirectory(out.WorkDir); err != nil {
		x.logger.Warn("Failed to delete working directory",
			slog.String("dir", out.WorkDir),
			slog.String("error", err.Error()))
	}
}

// publishDownloads copies the downloadable outputs of an interactive run
// out of its working directory, so links stay valid after cleanup. The
// replacements are repointed at the copies. Cached and pipeline outputs
// are already durable.
func (x *Runner) publishDownloads(ctx context.Context, r report.ScriptReport, rc *report.RunContext, out *Outcome) {
	if rc.Pipeline || out == nil || out.WorkDir == "" {
		return
	}
	desc := r.Descriptor()
	containerID := runContainer(r, rc)
	dir := x.files.DownloadDir(containerID, desc.ReportID, out.RunID)

	for _, rep := range out.Replacements {
		if !rep.IsDownload() {
			continue
		}
		for i, file := range rep.Files {
			if !strings.HasPrefix(file, out.WorkDir+string(filepath.Separator)) || !files.FileExists(file) {
				continue
			}
			dst := filepath.Join(dir, filepath.Base(file))
			if err := files.CopyFile(file, dst); err != nil {
				x.logger.WarnContext(ctx, "Failed to publish download",
					slog.Int64("report_id", desc.ReportID),
					slog.String("file", file),
					slog.String("error", err.Error()))
				continue
			}
			rep.Files[i] = dst
		}
	}

	if n, err := x.files.PruneDownloads(containerID, desc.ReportID, config.DownloadRetention); err != nil {
		x.logger.WarnContext(ctx, "Failed to prune downloads",
			slog.Int64("report_id", desc.ReportID),
			slog.String("error", err.Error()))
	} else if n > 0 {
		x.logger.DebugContext(ctx, "Pruned downloads",
			slog.Int64("report_id", desc.ReportID),
			slog.Int("removed", n))
	}
}

func runContainer(r report.ScriptReport, rc *report.RunContext) string {
	if rc.ContainerID != "" {
		return rc.ContainerID
	}
	return r.Descriptor().ContainerID
}

// AttachmentURL links output files of one run of a report. The container
// the run executed in and the run id are carried as query parameters. An
// empty runID links cached outputs.
func AttachmentURL(baseURL string, reportID int64, containerID, runID string) script.LinkFunc {
	prefix := strings.TrimSuffix(baseURL, "/") + "/api/reports/" + strconv.FormatInt(reportID, 10) + "/attachments/"
	q := url.Values{}
	if containerID != "" {
		q.Set("container", containerID)
	}
	if runID != "" {
		q.Set("run", runID)
	}
	suffix := ""
	if len(q) > 0 {
		suffix = "?" + q.Encode()
	}
	return func(_ *script.ParamReplacement, file string) string {
		return prefix + url.PathEscape(filepath.Base(file)) + suffix
	}
}

func contentType(file string) string {
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "application/octet-stream"
}
