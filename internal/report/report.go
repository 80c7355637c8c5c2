// Package report holds report definitions and the closed set of report
// variants that render them.
package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/script"
)

// Report types
const (
	TypeQuery        = "ReportService.queryReport"
	TypeChart        = "ReportService.chartReport"
	TypeR            = "ReportService.rReport"
	TypeJavaScript   = "ReportService.javaScriptReport"
	TypeScriptEngine = "ReportService.scriptEngineReport"
	TypeRedirect     = "ReportService.linkReport"
)

// Descriptor types
const (
	DescriptorDefault      = "reportDescriptor"
	DescriptorChart        = "chartReportDescriptor"
	DescriptorR            = "rReportDescriptor"
	DescriptorJavaScript   = "javaScriptReportDescriptor"
	DescriptorScriptEngine = "scriptReportDescriptor"
	DescriptorRedirect     = "redirectReportDescriptor"
)

var descriptorTypes = map[string]string{
	TypeQuery:        DescriptorDefault,
	TypeChart:        DescriptorChart,
	TypeR:            DescriptorR,
	TypeJavaScript:   DescriptorJavaScript,
	TypeScriptEngine: DescriptorScriptEngine,
	TypeRedirect:     DescriptorRedirect,
}

func descriptorTypeFor(reportType string) string {
	if dt, ok := descriptorTypes[reportType]; ok {
		return dt
	}
	return DescriptorDefault
}

func reportTypeFor(descriptorType string) string {
	for rt, dt := range descriptorTypes {
		if dt == descriptorType && dt != DescriptorDefault {
			return rt
		}
	}
	return TypeQuery
}

// Types returns every supported report type
func Types() []string {
	return []string{TypeQuery, TypeChart, TypeR, TypeJavaScript, TypeScriptEngine, TypeRedirect}
}

// RunContext carries the request a report is rendered for
type RunContext struct {
	ContainerID   string
	ContainerPath string
	User          string
	BaseURL       string
	RawQuery      string
	ShowSection   []string
	Params        map[string]string
	SessionID     string
	Pipeline      bool
	ExecutionID   string
}

// Thumbnail is an image a report can be previewed with
type Thumbnail struct {
	Name        string
	File        string
	ContentType string
	Data        []byte
}

// Report is the capability every report variant provides
type Report interface {
	Descriptor() *Descriptor
	Type() string
	GenerateResultSet(ctx context.Context, rc *RunContext) (*query.Result, error)
	Render(ctx context.Context, rc *RunContext) ([]script.View, error)
	RunURL(baseURL string) string
	BeforeSave(ctx context.Context) error
	BeforeDelete(ctx context.Context) error
}

// ScriptReport is a report whose output comes from running a script
type ScriptReport interface {
	Report
	EngineName() string
	ValidationVariables() []string
}

// ScriptExecutor runs script reports
type ScriptExecutor interface {
	Render(ctx context.Context, r ScriptReport, rc *RunContext) ([]script.View, error)
	ExecuteScript(ctx context.Context, r ScriptReport, rc *RunContext) ([]script.ScriptOutput, error)
	Thumbnail(ctx context.Context, r ScriptReport, rc *RunContext) (*Thumbnail, error)
}

// Invalidator drops cached outputs of a report
type Invalidator interface {
	Invalidate(containerID string, reportID int64) error
}

// FileCleaner removes a report's working directories
type FileCleaner interface {
	DeleteReportFiles(containerID string, reportID int64) error
}

// Deps are the collaborators reports need
type Deps struct {
	Queries  query.Provider
	Executor ScriptExecutor
	Cache    Invalidator
	Files    FileCleaner
}

// New creates the report variant selected by the descriptor's report type
func New(desc *Descriptor, deps Deps) (Report, error) {
	base := baseReport{desc: desc, deps: deps}
	switch desc.ReportType {
	case TypeQuery:
		return &QueryReport{baseReport: base}, nil
	case TypeChart:
		return &ChartReport{baseReport: base}, nil
	case TypeR:
		return &RReport{scriptReport{baseReport: base}}, nil
	case TypeScriptEngine:
		return &ScriptEngineReport{scriptReport{baseReport: base}}, nil
	case TypeJavaScript:
		return &JavaScriptReport{baseReport: base}, nil
	case TypeRedirect:
		return &RedirectReport{baseReport: base}, nil
	default:
		return nil, apperrors.NewAppError(apperrors.ErrTypeValidation,
			fmt.Sprintf("unknown report type %q", desc.ReportType), nil)
	}
}

// baseReport implements the parts shared by every variant
type baseReport struct {
	desc *Descriptor
	deps Deps
}

func (b *baseReport) Descriptor() *Descriptor { return b.desc }

func (b *baseReport) Type() string { return b.desc.ReportType }

// GenerateResultSet runs the report's query
func (b *baseReport) GenerateResultSet(ctx context.Context, rc *RunContext) (*query.Result, error) {
	if !b.desc.HasQuery() {
		return nil, nil
	}
	if b.deps.Queries == nil {
		return nil, apperrors.NewConfigError("no query provider configured", nil)
	}
	settings := b.desc.QuerySettings()
	if rc != nil && rc.ContainerID != "" {
		settings.ContainerID = rc.ContainerID
	}
	return b.deps.Queries.Execute(ctx, settings)
}

// RunURL returns the URL rendering the report
func (b *baseReport) RunURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/api/reports/" + strconv.FormatInt(b.desc.ReportID, 10) + "/render"
}

func (b *baseReport) BeforeSave(ctx context.Context) error { return nil }

// BeforeDelete removes any working directories left by the report
func (b *baseReport) BeforeDelete(ctx context.Context) error {
	if b.deps.Files == nil || b.desc.ReportID == 0 {
		return nil
	}
	return b.deps.Files.DeleteReportFiles(b.desc.ContainerID, b.desc.ReportID)
}
