package script

import (
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/LabKey/platform-sub050/internal/exporter"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// View is one renderable HTML fragment
type View interface {
	Render(w io.Writer) error
}

// ViewFunc adapts a function to View
type ViewFunc func(w io.Writer) error

// Render implements View
func (f ViewFunc) Render(w io.Writer) error { return f(w) }

// RenderOptions controls which outputs are shown and how downloads are linked
type RenderOptions struct {
	ShowSection   []string
	AttachmentURL LinkFunc
}

// ParseShowSection splits an &-delimited section list
func ParseShowSection(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "&") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var fragments = template.Must(template.New("fragments").Parse(`
{{define "section"}}<div class="labkey-report-section" data-name="{{.Name}}">{{.Body}}</div>
{{end}}
{{define "table"}}<table class="labkey-data-region"><thead><tr>{{range .Header}}<th>{{.}}</th>{{end}}</tr></thead><tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody></table>{{end}}
{{define "pre"}}<pre class="labkey-report-text">{{.}}</pre>{{end}}
{{define "error"}}<div class="labkey-error"><pre>{{.}}</pre></div>
{{end}}
{{define "img"}}<img class="labkey-report-image" alt="{{.Alt}}" src="{{.Src}}">{{end}}
{{define "link"}}<a class="labkey-report-attachment" href="{{.Href}}">{{.Name}}</a>{{end}}
`))

// Views returns one view per replacement with a file on disk. When
// ShowSection is set only replacements with a listed name are shown.
func Views(replacements []*ParamReplacement, opts RenderOptions) []View {
	show := make(map[string]bool, len(opts.ShowSection))
	for _, s := range opts.ShowSection {
		show[s] = true
	}

	var views []View
	for _, rep := range replacements {
		if len(show) > 0 && !show[rep.Name] {
			continue
		}
		existing := rep.ExistingFiles()
		if len(existing) == 0 {
			continue
		}
		views = append(views, &outputView{rep: rep, files: existing, opts: opts})
	}
	return views
}

// ErrorView renders an error inline
func ErrorView(err error) View {
	return ViewFunc(func(w io.Writer) error {
		return fragments.ExecuteTemplate(w, "error", err.Error())
	})
}

// CleanupView deletes dir when it is rendered and writes nothing
func CleanupView(dir string, remove func(string) error) View {
	return ViewFunc(func(io.Writer) error {
		return remove(dir)
	})
}

// RenderAll renders views in order. A failing view is replaced by an inline
// error and rendering continues. Infrastructure failures are returned after
// every view has been rendered.
func RenderAll(w io.Writer, views []View) error {
	var infraErr error
	for _, v := range views {
		if err := v.Render(w); err != nil {
			if apperrors.IsInfrastructure(err) {
				if infraErr == nil {
					infraErr = err
				}
				continue
			}
			if werr := ErrorView(err).Render(w); werr != nil {
				return werr
			}
		}
	}
	return infraErr
}

type outputView struct {
	rep   *ParamReplacement
	files []string
	opts  RenderOptions
}

func (v *outputView) Render(w io.Writer) error {
	var body strings.Builder
	for _, file := range v.files {
		if err := v.renderFile(&body, file); err != nil {
			return err
		}
	}
	return fragments.ExecuteTemplate(w, "section", map[string]interface{}{
		"Name": v.rep.Name,
		"Body": template.HTML(body.String()),
	})
}

func (v *outputView) renderFile(w io.Writer, file string) error {
	switch v.rep.Kind {
	case KindTSV:
		header, rows, err := exporter.ReadTSV(file)
		if err != nil {
			return err
		}
		return fragments.ExecuteTemplate(w, "table", map[string]interface{}{"Header": header, "Rows": rows})

	case KindImage:
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		src := "data:" + imageMIME(file) + ";base64," + base64.StdEncoding.EncodeToString(data)
		return fragments.ExecuteTemplate(w, "img", map[string]interface{}{"Alt": v.rep.Name, "Src": template.URL(src)})

	case KindHTML, KindSVG:
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err

	case KindPDF, KindFile, KindPostscript:
		href := filepath.Base(file)
		if v.opts.AttachmentURL != nil {
			href = v.opts.AttachmentURL(v.rep, file)
		}
		return fragments.ExecuteTemplate(w, "link", map[string]interface{}{"Href": href, "Name": filepath.Base(file)})

	case KindError:
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		return fragments.ExecuteTemplate(w, "error", string(data))

	case KindText, KindConsole, KindJSON:
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		return fragments.ExecuteTemplate(w, "pre", string(data))

	default:
		return fmt.Errorf("no renderer for output kind %q", v.rep.Kind)
	}
}

func imageMIME(file string) string {
	if t := mime.TypeByExtension(filepath.Ext(file)); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/png"
}
