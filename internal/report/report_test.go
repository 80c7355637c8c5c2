package report

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/script"
)

func TestDescriptorProperties(t *testing.T) {
	d := NewDescriptor(TypeR)
	assert.Equal(t, DescriptorR, d.DescriptorType)

	d.Set(PropReportName, "first")
	d.Set(PropReportName, "second")
	assert.Equal(t, "second", d.ReportName())

	d.Add(PropIncludedReports, "a")
	d.Add(PropIncludedReports, "b")
	assert.Equal(t, []string{"a", "b"}, d.GetList(PropIncludedReports))
	assert.Equal(t, "a", d.Get(PropIncludedReports))

	d.SetList(PropScript, []string{"x", "y"})
	assert.Equal(t, []string{"y"}, d.GetList(PropScript))

	d.Set(PropReportName, "")
	assert.False(t, d.Has(PropReportName))

	assert.Equal(t, []PropKey{PropIncludedReports, PropScript}, d.Keys())
	props := d.Properties()
	assert.Equal(t, []string{"a", "b"}, props["includedReports"])
	assert.Equal(t, "y", props["script"])

	cp := d.Clone()
	cp.Add(PropIncludedReports, "c")
	assert.Len(t, d.GetList(PropIncludedReports), 2)
}

func TestDescriptorQuerySettings(t *testing.T) {
	d := NewDescriptor(TypeQuery)
	d.ContainerID = "c1"
	assert.False(t, d.HasQuery())

	d.Set(PropSchemaName, "lists")
	d.Set(PropQueryName, "People")
	d.Add(PropFilterParam, "Name~eq=Ann")
	d.Add(PropFilterParam, "Age=30")
	d.Add(PropFilterParam, "broken")

	s := d.QuerySettings()
	assert.True(t, d.HasQuery())
	assert.Equal(t, "c1", s.ContainerID)
	assert.Equal(t, []query.Filter{
		{Column: "Name", Op: query.OpEqual, Value: "Ann"},
		{Column: "Age", Op: query.OpEqual, Value: "30"},
	}, s.Filters)
	assert.Equal(t, "Age~eq=30", FormatFilter(s.Filters[1]))
}

func TestDescriptorXML(t *testing.T) {
	d := NewDescriptor(TypeR)
	d.Set(PropReportName, "R <report>")
	d.SetScript("print(1)\nplot(x)")
	d.Add(PropIncludedReports, "one")
	d.Add(PropIncludedReports, "two")

	data, err := d.ToXML()
	require.NoError(t, err)
	assert.Contains(t, string(data), `descriptorType="rReportDescriptor"`)

	back, err := FromXML(data)
	require.NoError(t, err)
	assert.Equal(t, TypeR, back.ReportType)
	assert.Equal(t, "R <report>", back.ReportName())
	assert.Equal(t, "print(1)\nplot(x)", back.Script())
	assert.Equal(t, []string{"one", "two"}, back.GetList(PropIncludedReports))

	t.Run("report type derived from descriptor type", func(t *testing.T) {
		back, err := FromXML([]byte(`<ReportDescriptor descriptorType="chartReportDescriptor"><Prop name="columnsY">a</Prop></ReportDescriptor>`))
		require.NoError(t, err)
		assert.Equal(t, TypeChart, back.ReportType)
	})

	t.Run("missing descriptor type", func(t *testing.T) {
		_, err := FromXML([]byte(`<ReportDescriptor><Prop name="script">x</Prop></ReportDescriptor>`))
		assert.Error(t, err)
	})
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(NewDescriptor("ReportService.nope"), Deps{})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrTypeValidation, appErr.Type)

	for _, typ := range Types() {
		r, err := New(NewDescriptor(typ), Deps{})
		require.NoError(t, err, typ)
		assert.Equal(t, typ, r.Type())
	}
}

func peopleProvider() *query.MemoryProvider {
	p := query.NewMemoryProvider()
	p.Register("lists", "People", &query.Result{
		Columns: []string{"Name", "Age"},
		Rows:    [][]interface{}{{"Ann", 30}, {"Bob", 42}},
	})
	return p
}

func render(t *testing.T, views []script.View) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, script.RenderAll(&buf, views))
	return buf.String()
}

func TestQueryReportRender(t *testing.T) {
	d := NewDescriptor(TypeQuery)
	d.Set(PropSchemaName, "lists")
	d.Set(PropQueryName, "People")
	d.Add(PropFilterParam, "Name=Bob")

	r, err := New(d, Deps{Queries: peopleProvider()})
	require.NoError(t, err)

	views, err := r.Render(context.Background(), &RunContext{})
	require.NoError(t, err)
	out := render(t, views)
	assert.Contains(t, out, "<th>Name</th>")
	assert.Contains(t, out, "<td>Bob</td>")
	assert.NotContains(t, out, "Ann")

	t.Run("without query", func(t *testing.T) {
		r, err := New(NewDescriptor(TypeQuery), Deps{Queries: peopleProvider()})
		require.NoError(t, err)
		_, err = r.Render(context.Background(), &RunContext{})
		assert.Error(t, err)
	})
}

func TestChartSVG(t *testing.T) {
	d := NewDescriptor(TypeChart)
	d.Set(PropReportName, "Ages")
	d.Set(PropColumnX, "Age")
	d.Add(PropColumnsY, "Age")

	r, err := New(d, Deps{})
	require.NoError(t, err)
	chart := r.(*ChartReport)

	res := &query.Result{Columns: []string{"Age"}, Rows: [][]interface{}{{10}, {20}, {"n/a"}}}
	svg, err := chart.SVG(res)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(svg, "<svg"))
	assert.Contains(t, svg, `data-column="Age"`)
	assert.Equal(t, 2, strings.Count(svg, "<circle"))

	d.Set(PropChartType, ChartScatter)
	svg, err = chart.SVG(res)
	require.NoError(t, err)
	assert.NotContains(t, svg, "<polyline")

	d.Set(PropColumnX, "Missing")
	_, err = chart.SVG(res)
	assert.Error(t, err)
}

func TestJavaScriptAndRedirect(t *testing.T) {
	js := NewDescriptor(TypeJavaScript)
	js.ReportID = 7
	js.Set(PropSchemaName, "lists")
	js.Set(PropQueryName, "People")
	js.SetScript(`function render(data, div) { div.innerHTML = "</script>"; }`)

	r, err := New(js, Deps{Queries: peopleProvider()})
	require.NoError(t, err)
	views, err := r.Render(context.Background(), &RunContext{})
	require.NoError(t, err)
	out := render(t, views)
	assert.Contains(t, out, `id="labkey-js-report-7"`)
	assert.Contains(t, out, `"Name":"Ann"`)
	assert.Contains(t, out, `<\/script>`)

	link := NewDescriptor(TypeRedirect)
	link.Set(PropRedirectURL, "https://example.org/x")
	r, err = New(link, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/x", r.RunURL("http://localhost"))
	views, err = r.Render(context.Background(), &RunContext{})
	require.NoError(t, err)
	assert.Contains(t, render(t, views), `href="https://example.org/x"`)
}

type recordingExecutor struct {
	engine string
}

func (e *recordingExecutor) Render(ctx context.Context, r ScriptReport, rc *RunContext) ([]script.View, error) {
	e.engine = r.EngineName()
	return nil, nil
}

func (e *recordingExecutor) ExecuteScript(ctx context.Context, r ScriptReport, rc *RunContext) ([]script.ScriptOutput, error) {
	return nil, nil
}

func (e *recordingExecutor) Thumbnail(ctx context.Context, r ScriptReport, rc *RunContext) (*Thumbnail, error) {
	return nil, nil
}

type recordingInvalidator struct{ calls int }

func (i *recordingInvalidator) Invalidate(string, int64) error {
	i.calls++
	return nil
}

type recordingCleaner struct{ calls int }

func (c *recordingCleaner) DeleteReportFiles(string, int64) error {
	c.calls++
	return nil
}

func TestScriptReports(t *testing.T) {
	exec := &recordingExecutor{}
	inv := &recordingInvalidator{}
	cleaner := &recordingCleaner{}
	deps := Deps{Executor: exec, Cache: inv, Files: cleaner}

	rd := NewDescriptor(TypeR)
	rd.ReportID = 3
	r, err := New(rd, deps)
	require.NoError(t, err)

	_, err = r.Render(context.Background(), &RunContext{})
	require.NoError(t, err)
	assert.Equal(t, DefaultREngine, exec.engine)
	assert.Equal(t, []string{"rLabkeySessionId", "labkeyURL"}, r.(ScriptReport).ValidationVariables())

	require.NoError(t, r.BeforeSave(context.Background()))
	require.NoError(t, r.BeforeDelete(context.Background()))
	assert.Equal(t, 2, inv.calls)
	assert.Equal(t, 1, cleaner.calls)

	sd := NewDescriptor(TypeScriptEngine)
	sd.Set(PropScriptExtension, ".py")
	r, err = New(sd, deps)
	require.NoError(t, err)
	assert.Equal(t, "ext:py", r.(ScriptReport).EngineName())

	sd.Set(PropScriptEngine, "python")
	assert.Equal(t, "python", r.(ScriptReport).EngineName())

	_, err = New(NewDescriptor(TypeR), Deps{})
	require.NoError(t, err)
	bare, _ := New(NewDescriptor(TypeR), Deps{})
	_, err = bare.Render(context.Background(), &RunContext{})
	assert.Error(t, err)
}

func testStores(t *testing.T) map[string]Store {
	sqlStore, err := NewSQLDescriptorStore(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			d := NewDescriptor(TypeR)
			d.ContainerID = "c1"
			d.Set(PropReportName, "first")
			d.SetScript("print(1)")

			saved, err := store.Save(ctx, d)
			require.NoError(t, err)
			assert.NotZero(t, saved.ReportID)
			assert.NotEmpty(t, saved.EntityID)
			assert.False(t, saved.Created.IsZero())
			assert.Zero(t, d.ReportID)

			other := NewDescriptor(TypeQuery)
			other.ContainerID = "c2"
			_, err = store.Save(ctx, other)
			require.NoError(t, err)

			got, err := store.Get(ctx, saved.ReportID)
			require.NoError(t, err)
			assert.Equal(t, "first", got.ReportName())
			assert.Equal(t, TypeR, got.ReportType)
			assert.Equal(t, saved.EntityID, got.EntityID)

			got.Set(PropReportName, "renamed")
			updated, err := store.Save(ctx, got)
			require.NoError(t, err)
			assert.Equal(t, saved.ReportID, updated.ReportID)
			assert.Equal(t, "renamed", updated.ReportName())

			list, err := store.List(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "renamed", list[0].ReportName())

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, store.Delete(ctx, saved.ReportID))
			_, err = store.Get(ctx, saved.ReportID)
			assert.True(t, apperrors.IsNotFound(err))
			assert.True(t, apperrors.IsNotFound(store.Delete(ctx, saved.ReportID)))

			missing := NewDescriptor(TypeR)
			missing.ReportID = 999
			_, err = store.Save(ctx, missing)
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}
