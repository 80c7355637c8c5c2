package report

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/script"
)

var tableTemplate = template.Must(template.New("table").Parse(
	`<table class="labkey-data-region"><thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead><tbody>
{{range .Records}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody></table>
`))

// QueryReport renders its query as a grid
type QueryReport struct {
	baseReport
}

// Render implements Report
func (r *QueryReport) Render(ctx context.Context, rc *RunContext) ([]script.View, error) {
	res, err := r.GenerateResultSet(ctx, rc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperrors.NewAppError(apperrors.ErrTypeValidation, "query report requires a schema and query", nil)
	}
	return []script.View{TableView(res)}, nil
}

// TableView renders a result set as an HTML table
func TableView(res *query.Result) script.View {
	return script.ViewFunc(func(w io.Writer) error {
		return tableTemplate.Execute(w, map[string]interface{}{
			"Columns": res.Columns,
			"Records": res.Records(),
		})
	})
}

// scriptReport implements the parts shared by script-backed reports
type scriptReport struct {
	baseReport
}

// Render delegates to the script executor
func (r *scriptReport) render(ctx context.Context, self ScriptReport, rc *RunContext) ([]script.View, error) {
	if r.deps.Executor == nil {
		return nil, apperrors.NewConfigError("no script executor configured", nil)
	}
	return r.deps.Executor.Render(ctx, self, rc)
}

// BeforeSave drops cached outputs so the next render reflects the change
func (r *scriptReport) BeforeSave(ctx context.Context) error {
	return r.invalidate()
}

// BeforeDelete drops cached outputs and working directories
func (r *scriptReport) BeforeDelete(ctx context.Context) error {
	if err := r.invalidate(); err != nil {
		return err
	}
	return r.baseReport.BeforeDelete(ctx)
}

func (r *scriptReport) invalidate() error {
	if r.deps.Cache == nil || r.desc.ReportID == 0 {
		return nil
	}
	return r.deps.Cache.Invalidate(r.desc.ContainerID, r.desc.ReportID)
}

// RReport runs its script with an R engine
type RReport struct {
	scriptReport
}

// DefaultREngine is used when an R report names no engine
const DefaultREngine = "R"

// EngineName implements ScriptReport
func (r *RReport) EngineName() string {
	if e := r.desc.Engine(); e != "" {
		return e
	}
	return DefaultREngine
}

// ValidationVariables implements ScriptReport. R scripts may reference the
// session and base URL markers bound by the prolog.
func (r *RReport) ValidationVariables() []string {
	return []string{"rLabkeySessionId", "labkeyURL"}
}

// Render implements Report
func (r *RReport) Render(ctx context.Context, rc *RunContext) ([]script.View, error) {
	return r.render(ctx, r, rc)
}

// ScriptEngineReport runs its script with the engine selected by name or
// by script file extension.
type ScriptEngineReport struct {
	scriptReport
}

// EngineName implements ScriptReport. An empty name with a script
// extension is resolved by extension as "ext:<extension>".
func (r *ScriptEngineReport) EngineName() string {
	if e := r.desc.Engine(); e != "" {
		return e
	}
	if ext := r.desc.Get(PropScriptExtension); ext != "" {
		return ExtensionEnginePrefix + strings.TrimPrefix(ext, ".")
	}
	return ""
}

// ExtensionEnginePrefix marks an engine selected by file extension
const ExtensionEnginePrefix = "ext:"

// ValidationVariables implements ScriptReport
func (r *ScriptEngineReport) ValidationVariables() []string { return nil }

// Render implements Report
func (r *ScriptEngineReport) Render(ctx context.Context, rc *RunContext) ([]script.View, error) {
	return r.render(ctx, r, rc)
}

// JavaScriptReport runs its script in the browser over the query data
type JavaScriptReport struct {
	baseReport
}

// Render embeds the result set as JSON and calls the script's render(data, div)
func (r *JavaScriptReport) Render(ctx context.Context, rc *RunContext) ([]script.View, error) {
	res, err := r.GenerateResultSet(ctx, rc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &query.Result{}
	}

	rows := make([]map[string]interface{}, len(res.Rows))
	for i, row := range res.Rows {
		m := make(map[string]interface{}, len(res.Columns))
		for j, c := range res.Columns {
			if j < len(row) {
				m[c] = row[j]
			}
		}
		rows[i] = m
	}
	data, err := json.Marshal(map[string]interface{}{"columns": res.Columns, "rows": rows})
	if err != nil {
		return nil, fmt.Errorf("failed to encode report data: %w", err)
	}

	divID := fmt.Sprintf("labkey-js-report-%d", r.desc.ReportID)
	src := strings.ReplaceAll(r.desc.Script(), "</script", `<\/script`)

	return []script.View{script.ViewFunc(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, `<div id=%q class="labkey-js-report"></div>
<script type="text/javascript">
(function() {
var data = %s;
var div = document.getElementById(%q);
%s
if (typeof render === "function") { render(data, div); }
})();
</script>
`, divID, data, divID, src)
		return err
	})}, nil
}

// RedirectReport points at an external URL
type RedirectReport struct {
	baseReport
}

var linkTemplate = template.Must(template.New("link").Parse(`<a class="labkey-report-link" href="{{.URL}}">{{.Name}}</a>
`))

// Render implements Report
func (r *RedirectReport) Render(ctx context.Context, rc *RunContext) ([]script.View, error) {
	url := r.desc.Get(PropRedirectURL)
	if url == "" {
		return nil, apperrors.NewAppError(apperrors.ErrTypeValidation, "redirect report has no URL", nil)
	}
	name := r.desc.ReportName()
	if name == "" {
		name = url
	}
	return []script.View{script.ViewFunc(func(w io.Writer) error {
		return linkTemplate.Execute(w, map[string]string{"URL": url, "Name": name})
	})}, nil
}

// RunURL returns the redirect target
func (r *RedirectReport) RunURL(string) string {
	return r.desc.Get(PropRedirectURL)
}
