package script

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/files"
)

func newMaterializer(t *testing.T) (*Materializer, string) {
	t.Helper()
	dir := t.TempDir()
	return NewMaterializer(files.NewManager(&config.Paths{TempDir: dir}, nil), nil), dir
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		extra     []string
		wantState State
		wantErrs  int
	}{
		{"recognized tokens only", "x <- read.table('${input_data}')\nwrite.table(x, '${tsvout:result}')\npng('${imgout:plot}')", nil, Valid, 0},
		{"no tokens", "print(1)", nil, Valid, 0},
		{"empty script", "  \n\t", nil, Invalid, 1},
		{"unknown prefix", "${foo:bar}", nil, Invalid, 1},
		{"bare unknown name", "${whatever}", nil, Invalid, 1},
		{"duplicates counted once", "${foo:bar} ${foo:bar} ${baz}", nil, Invalid, 2},
		{"missing label", "${tsvout:}", nil, Invalid, 1},
		{"engine variable allowed", "${rLabkeySessionId}", []string{"rLabkeySessionId"}, Valid, 0},
		{"legacy form", "#{tsvout:result}", nil, Valid, 0},
		{"bad regex", "${fileout:/[a-/}", nil, Invalid, 1},
		{"regex label", `${fileout:/.*\.csv/}`, nil, Valid, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, errs := Validate(tt.script, tt.extra...)
			assert.Equal(t, tt.wantState, state)
			assert.Len(t, errs, tt.wantErrs)
		})
	}
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check("${tsvout:a}"))

	err := Check("${nope:a} ${nope:b}")
	var vErr *apperrors.ScriptValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Len(t, vErr.Messages, 2)
	assert.Equal(t, "INVALID", Invalid.String())
	assert.Equal(t, "UNVALIDATED", Unvalidated.String())
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "${tsvout:a} ${input_data} #{other}", Canonicalize("#{tsvout:a} #{input_data} #{other}"))
}

func TestMaterializeIdempotentOutputs(t *testing.T) {
	m, dir := newMaterializer(t)
	template := "write('${txtout:log}')\nappend('${txtout:log}')\nwrite('${tsvout:result}')"

	out, err := m.Materialize(template, "", dir, "")
	require.NoError(t, err)
	require.Len(t, out.Replacements, 2)

	logPath := files.ToSlash(out.Replacements[0].File())
	assert.Equal(t, 2, strings.Count(out.Script, logPath))
	assert.NotContains(t, out.Script, "${")

	assert.NotEqual(t, out.Replacements[0].File(), out.Replacements[1].File())
	assert.False(t, out.Replacements[0].Exists(), "files appear only once the script writes them")

	want := []*ParamReplacement{
		{ID: "txtout:log", Name: "log", Kind: KindText},
		{ID: "tsvout:result", Name: "result", Kind: KindTSV},
	}
	if diff := cmp.Diff(want, out.Replacements, cmpopts.IgnoreFields(ParamReplacement{}, "Files")); diff != "" {
		t.Errorf("replacements mismatch (-want +got):\n%s", diff)
	}
}

func TestMaterializeFixedNamesAndRegex(t *testing.T) {
	m, dir := newMaterializer(t)
	out, err := m.Materialize("pdf('${pdfout:summary}')\nsave('${fileout:data.rds}')\n${psout:fig}\n${fileout:/.*\\.csv/}", "", dir, "")
	require.NoError(t, err)
	require.Len(t, out.Replacements, 4)

	assert.Equal(t, filepath.Join(dir, "summary.pdf"), out.Replacements[0].File())
	assert.Equal(t, filepath.Join(dir, "data.rds"), out.Replacements[1].File())
	assert.Equal(t, filepath.Join(dir, "fig.ps"), out.Replacements[2].File())

	rx := out.Replacements[3]
	assert.Equal(t, `.*\.csv`, rx.Regex)
	assert.Empty(t, rx.Files)
	assert.True(t, strings.HasSuffix(out.Script, files.ToSlash(dir)))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.csv"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0644))

	require.NoError(t, CollectRegexFiles(dir, out.Replacements, filepath.Join(dir, "input.csv")))
	assert.Equal(t, []string{filepath.Join(dir, "a.csv"), filepath.Join(dir, "b.csv")}, rx.Files)
}

func TestRegexOutputsKeepTheirLabel(t *testing.T) {
	m, dir := newMaterializer(t)
	out, err := m.Materialize("${imgout:/a.*/}\n${imgout:/b.*/}", "", dir, "")
	require.NoError(t, err)
	require.Len(t, out.Replacements, 2)
	assert.Equal(t, "/a.*/", out.Replacements[0].Name)
	assert.Equal(t, "/b.*/", out.Replacements[1].Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a1.png"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b1.png"), []byte("b"), 0644))
	require.NoError(t, CollectRegexFiles(dir, out.Replacements))

	views := Views(out.Replacements, RenderOptions{ShowSection: []string{"/b.*/"}})
	require.Len(t, views, 1)
	var buf bytes.Buffer
	require.NoError(t, RenderAll(&buf, views))
	assert.Contains(t, buf.String(), `data-name="/b.*/"`)
}

func TestSubstituteInput(t *testing.T) {
	script := "d <- read.table('${input_data}'); e <- '${input_data}'"

	once := SubstituteInput(script, `C:\data\input_data.tsv`)
	twice := SubstituteInput(once, `C:\data\input_data.tsv`)
	assert.Equal(t, once, twice)
	assert.NotContains(t, once, `\`)
	assert.NotContains(t, once, "${input_data}")

	assert.Equal(t, script, SubstituteInput(script, ""), "left for engine binding")
	assert.Equal(t, files.ToSlash(`C:\x`), files.ToSlash(files.ToSlash(`C:\x`)))
}

func TestAddPrologAndRProlog(t *testing.T) {
	assert.Equal(t, "  ", AddProlog("  ", "x <- 1"))
	assert.Equal(t, "x <- 1\nprint(x)", AddProlog("print(x)", "x <- 1"))

	p := RProlog(PrologContext{BaseURL: "http://localhost:8080", ContainerPath: "/home", UserEmail: "a@b.c", WorkDir: `C:\w`, HasInput: true})
	assert.Contains(t, p, `labkey.url.base <- "http://localhost:8080/"`)
	assert.Contains(t, p, `labkey.url.path <- "/home/"`)
	assert.Contains(t, p, `labkey.file.root <- "C:/w"`)
	assert.Contains(t, p, "${input_data}")

	p = RProlog(PrologContext{})
	assert.NotContains(t, p, "labkey.data")
}

func TestMaterializeWithPrologAndInput(t *testing.T) {
	m, dir := newMaterializer(t)
	input := filepath.Join(dir, "input_data.tsv")
	prolog := RProlog(PrologContext{HasInput: true})

	out, err := m.Materialize("print(labkey.data)", input, dir, prolog)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Script, "# labkey report prolog"))
	assert.Contains(t, out.Script, files.ToSlash(input))
	assert.Empty(t, out.Replacements)
}

func TestSubstitutionMap(t *testing.T) {
	dir := t.TempDir()
	reps := []*ParamReplacement{
		{ID: "tsvout:result", Name: "result", Kind: KindTSV, Files: []string{"result.tsv"}},
		{ID: "imgout:/p.*/", Name: "imgout", Kind: KindImage, Regex: "p.*", Files: []string{filepath.Join(dir, "p1.png")}},
		ConsoleReplacement("script.Rout"),
	}
	path := filepath.Join(dir, config.SubstitutionMapFile)
	require.NoError(t, WriteSubstitutionMap(path, reps))

	got, err := ReadSubstitutionMap(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, filepath.Join(dir, "result.tsv"), got[0].File())
	assert.Equal(t, "p.*", got[1].Regex)
	assert.Equal(t, KindConsole, got[2].Kind)

	_, err = ReadSubstitutionMap(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestViews(t *testing.T) {
	dir := t.TempDir()
	reps := []*ParamReplacement{
		{Name: "result", Kind: KindTSV, Files: []string{writeFile(t, dir, "r.tsv", "a\tb\n1\t<2>\n3\t4\n")}},
		{Name: "missing", Kind: KindText, Files: []string{filepath.Join(dir, "nope.txt")}},
		{Name: "plot", Kind: KindImage, Files: []string{writeFile(t, dir, "p.png", "PNG")}},
		{Name: "report", Kind: KindPDF, Files: []string{writeFile(t, dir, "report.pdf", "%PDF")}},
		{Name: "frag", Kind: KindHTML, Files: []string{writeFile(t, dir, "f.html", "<b>hi</b>")}},
		ConsoleReplacement(writeFile(t, dir, "script.Rout", "> x <- 1")),
	}

	views := Views(reps, RenderOptions{
		AttachmentURL: func(rep *ParamReplacement, file string) string { return "/download/" + filepath.Base(file) },
	})
	require.Len(t, views, 5, "outputs without a file are skipped")

	var buf bytes.Buffer
	require.NoError(t, RenderAll(&buf, views))
	html := buf.String()

	assert.Equal(t, 3, strings.Count(html, "<tr>"), "header plus two data rows")
	assert.Contains(t, html, "&lt;2&gt;")
	assert.Contains(t, html, `src="data:image/png;base64,`)
	assert.Contains(t, html, `href="/download/report.pdf"`)
	assert.Contains(t, html, "<b>hi</b>")
	assert.Contains(t, html, "&gt; x &lt;- 1")

	filtered := Views(reps, RenderOptions{ShowSection: ParseShowSection("plot&frag&")})
	assert.Len(t, filtered, 2)
}

func TestRenderAllContinuesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0755))

	views := []View{
		ViewFunc(func(w io.Writer) error { return errors.New("boom") }),
		ViewFunc(func(w io.Writer) error { _, err := w.Write([]byte("ok")); return err }),
		CleanupView(work, os.RemoveAll),
	}
	var buf bytes.Buffer
	require.NoError(t, RenderAll(&buf, views))
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "ok")
	assert.NoDirExists(t, work)

	infra := apperrors.NewInfrastructureError("cannot delete", nil)
	err := RenderAll(&buf, []View{CleanupView(work, func(string) error { return infra })})
	assert.True(t, apperrors.IsInfrastructure(err))
}

func TestScriptOutputsAndThumbnail(t *testing.T) {
	dir := t.TempDir()
	reps := []*ParamReplacement{
		{Name: "result", Kind: KindTSV, Files: []string{writeFile(t, dir, "r.tsv", "a\n1\n")}},
		{Name: "gone", Kind: KindImage, Files: []string{filepath.Join(dir, "gone.png")}},
		{Name: "first", Kind: KindImage, Files: []string{writeFile(t, dir, "first.png", "1")}},
		{Name: "second", Kind: KindSVG, Files: []string{writeFile(t, dir, "second.svg", "<svg/>")}},
	}

	outs := ScriptOutputs(reps)
	require.Len(t, outs, 3)
	assert.Equal(t, ScriptOutput{Type: KindTSV, Name: "result", Value: "a\n1\n", File: "r.tsv"}, outs[0])
	assert.Equal(t, ScriptOutput{Type: KindImage, Name: "first", File: "first.png"}, outs[1])
	assert.Equal(t, "<svg/>", outs[2].Value)

	linked := LinkedOutputs(reps, func(_ *ParamReplacement, file string) string { return "/dl/" + filepath.Base(file) })
	assert.Empty(t, linked[0].URL, "inlined outputs carry no link")
	assert.Equal(t, "/dl/first.png", linked[1].URL)
	assert.Empty(t, linked[2].URL)

	rep, file, ok := Thumbnail(reps)
	require.True(t, ok)
	assert.Equal(t, "first", rep.Name)
	assert.Equal(t, filepath.Join(dir, "first.png"), file)

	_, _, ok = Thumbnail(reps[:2])
	assert.False(t, ok)

	errs := ErrorOutput(errors.New("failed"))
	assert.Equal(t, []ScriptOutput{{Type: KindError, Value: "failed"}}, errs)
}
