package http

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LabKey/platform-sub050/internal/cache"
	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/container"
	"github.com/LabKey/platform-sub050/internal/engine"
	"github.com/LabKey/platform-sub050/internal/execution"
	"github.com/LabKey/platform-sub050/internal/files"
	"github.com/LabKey/platform-sub050/internal/middleware"
	"github.com/LabKey/platform-sub050/internal/operations"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/services"
	"github.com/LabKey/platform-sub050/internal/settings"
	api "github.com/LabKey/platform-sub050/pkg/contracts/api/v1"
)

type testServer struct {
	router chi.Router
	home   container.Container
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	tree := container.NewTree(nil)
	home, err := tree.Create(container.RootID, "home")
	require.NoError(t, err)
	mgr := settings.NewManager(settings.NewMemoryStore(), tree, nil, nil)

	engines, err := engine.NewManager(config.ScriptingConfig{
		DefaultEngine: "sh",
		Engines: []config.EngineConfig{{
			Name: "sh", Kind: config.EngineExternal, Extensions: []string{"sh"},
			ExePath: "/bin/sh", ExeCommand: "%s", Enabled: true,
		}},
	}, nil)
	require.NoError(t, err)

	fm := files.NewManager(&config.Paths{TempDir: t.TempDir()}, nil)
	rc := cache.NewReportCache(t.TempDir(), []string{"_dc"}, nil, nil)
	queries := query.NewMemoryProvider()
	queries.Register("lists", "People", &query.Result{
		Columns: []string{"Name", "Age"},
		Rows:    [][]interface{}{{"Ann", 30}, {"Bob", 42}},
	})

	var svc *services.ReportService
	jobs := operations.NewJobQueue(1, 10, operations.NewMemoryJobStore(),
		func(ctx context.Context, job *operations.Job) (*operations.JobResult, error) {
			return svc.RunJob(ctx, job)
		}, nil)
	svc = services.NewReportService(services.ReportServiceDeps{
		Store:    report.NewMemoryStore(),
		Queries:  queries,
		Runner:   execution.NewRunner(engines, fm, rc, nil, nil),
		Cache:    rc,
		Files:    fm,
		Jobs:     jobs,
		Settings: mgr,
		Tree:     tree,
		BaseURL:  "http://localhost:8080",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	jobs.Start(ctx)
	t.Cleanup(func() {
		cancel()
		jobs.Stop(5 * time.Second)
	})

	jh := NewJobHandler(svc, nil, nil)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Mount("/api/reports", NewReportHandler(svc, nil, nil, nil).Routes())
	r.Mount("/api/jobs", jh.Routes())
	r.Mount("/api/rsessions", jh.SessionRoutes())
	r.Mount("/api/containers", NewSettingsHandler(services.NewSettingsService(tree, mgr, nil), nil, nil, nil).Routes())
	r.Mount("/api/health", NewHealthHandler(services.NewHealthService("test", "", "", services.HealthDeps{}, nil), nil).Routes())

	return &testServer{router: r, home: home}
}

func (s *testServer) do(t *testing.T, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createScriptReport(t *testing.T, src string, props map[string]interface{}) api.ReportResponse {
	t.Helper()
	all := map[string]interface{}{
		"scriptEngine": "sh",
		"schemaName":   "lists",
		"queryName":    "People",
		"script":       src,
	}
	for k, v := range props {
		all[k] = v
	}
	body, err := json.Marshal(api.CreateReportRequest{
		ReportType:  report.TypeScriptEngine,
		ContainerID: s.home.ID,
		Name:        "people",
		Properties:  all,
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/reports", "application/json", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.ReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem), w.Body.String())
	return problem
}

func TestReportCRUD(t *testing.T) {
	s := newTestServer(t)

	created := s.createScriptReport(t, "echo hi > \"${txtout:out}\"\n", nil)
	require.NotZero(t, created.ID)
	assert.Equal(t, "people", created.Name)
	assert.Equal(t, fmt.Sprintf("http://localhost:8080/api/reports/%d/render", created.ID), created.RunURL)
	assert.Equal(t, "sh", created.Properties["scriptEngine"])

	target := fmt.Sprintf("/api/reports/%d", created.ID)

	w := s.do(t, http.MethodGet, target+"?format=xml", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), `<Prop name="scriptEngine">sh</Prop>`)

	w = s.do(t, http.MethodPut, target, "application/json", `{"name":"renamed","category":"qc"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/reports?container="+s.home.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []api.ReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name)
	assert.Equal(t, "qc", list[0].Category)

	w = s.do(t, http.MethodDelete, target, "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, target, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(http.StatusNotFound), decodeProblem(t, w)["status"])
}

func TestCreateReportRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		ctype  string
		body   string
		status int
	}{
		{"malformed json", "application/json", `{"name":`, http.StatusBadRequest},
		{"missing name", "application/json", `{"report_type":"ReportService.queryReport","container_id":"` + s.home.ID + `"}`, http.StatusBadRequest},
		{"unknown type", "application/json", `{"report_type":"nope","container_id":"x","name":"n"}`, http.StatusBadRequest},
		{"scalar list property", "application/json", `{"report_type":"ReportService.queryReport","container_id":"` + s.home.ID + `","name":"n","properties":{"queryName":["a"]}}`, http.StatusBadRequest},
		{"unknown container", "application/json", `{"report_type":"ReportService.queryReport","container_id":"missing","name":"n"}`, http.StatusNotFound},
		{"bad descriptor", "application/xml", `<ReportDescriptor>`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/reports", tt.ctype, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCreateReportFromDescriptorXML(t *testing.T) {
	s := newTestServer(t)

	xml := `<?xml version="1.0" encoding="UTF-8"?>
<ReportDescriptor descriptorType="reportDescriptor">
  <Prop name="reportName">from xml</Prop>
  <Prop name="schemaName">lists</Prop>
  <Prop name="queryName">People</Prop>
</ReportDescriptor>`

	w := s.do(t, http.MethodPost, "/api/reports", "application/xml", xml)
	assert.Equal(t, http.StatusBadRequest, w.Code, "container is required")

	w = s.do(t, http.MethodPost, "/api/reports?container="+s.home.ID, "application/xml", xml)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.ReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "from xml", resp.Name)
	assert.Equal(t, report.TypeQuery, resp.ReportType)
}

func TestExecuteAndRender(t *testing.T) {
	s := newTestServer(t)
	created := s.createScriptReport(t, "echo hello > \"${txtout:out}\"\nprintf '<svg/>' > \"${svgout:plot}\"\n", nil)
	target := fmt.Sprintf("/api/reports/%d", created.ID)

	w := s.do(t, http.MethodPost, target+"/execute", "application/json", `{"params":{"greeting":"hi"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var exec api.ExecuteReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.Equal(t, created.ID, exec.ReportID)
	require.NotEmpty(t, exec.Outputs)
	assert.Equal(t, "text", exec.Outputs[0].Type)

	w = s.do(t, http.MethodGet, target+"/render", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	w = s.do(t, http.MethodGet, target+"/thumbnail", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "<svg/>", w.Body.String())
}

func TestScriptFailures(t *testing.T) {
	s := newTestServer(t)
	created := s.createScriptReport(t, "echo boom 1>&2\nexit 2\n", nil)
	target := fmt.Sprintf("/api/reports/%d", created.ID)

	w := s.do(t, http.MethodPost, target+"/execute", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var exec api.ExecuteReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	require.Len(t, exec.Outputs, 1)
	assert.Equal(t, "error", exec.Outputs[0].Type)

	w = s.do(t, http.MethodGet, target+"/thumbnail", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	problem := decodeProblem(t, w)
	assert.Equal(t, "sh", problem["engine"])
	assert.NotEmpty(t, problem["trace_id"])
}

func TestBackgroundJobAndAttachments(t *testing.T) {
	s := newTestServer(t)
	created := s.createScriptReport(t, "cp \"${input_data}\" \"${tsvout:result}\"\n", nil)
	target := fmt.Sprintf("/api/reports/%d", created.ID)

	w := s.do(t, http.MethodPost, target+"/jobs", "", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job api.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "/api/jobs/"+job.ID, w.Header().Get("Location"))

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, job.PollURL, "", "")
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status == string(operations.JobStatusCompleted) || job.Status == string(operations.JobStatusFailed)
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, string(operations.JobStatusCompleted), job.Status, job.Error)
	require.NotEmpty(t, job.Outputs)
	file := job.Outputs[0].File

	w = s.do(t, http.MethodGet, target+"/attachments/"+file, "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "Ann")

	w = s.do(t, http.MethodGet, target+"/attachments/"+file+"?format=xlsx", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "PK"))

	w = s.do(t, http.MethodGet, target+"/attachments/missing.tsv", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, target+"/jobs", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []api.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	w = s.do(t, http.MethodDelete, job.PollURL, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "finished jobs cannot be cancelled")
}

func TestInteractiveDownloads(t *testing.T) {
	s := newTestServer(t)
	created := s.createScriptReport(t, "cp \"${input_data}\" \"${fileout:data.tsv}\"\n", nil)
	target := fmt.Sprintf("/api/reports/%d", created.ID)

	fetch := func(t *testing.T, link string) {
		t.Helper()
		path := strings.TrimPrefix(html.UnescapeString(link), "http://localhost:8080")
		require.True(t, strings.HasPrefix(path, target+"/attachments/data.tsv?"), path)
		w := s.do(t, http.MethodGet, path, "", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "Ann")
		assert.Contains(t, w.Header().Get("Content-Disposition"), "data.tsv")
	}

	t.Run("render", func(t *testing.T) {
		w := s.do(t, http.MethodGet, target+"/render", "", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		m := regexp.MustCompile(`href="([^"]+)"`).FindStringSubmatch(w.Body.String())
		require.Len(t, m, 2, w.Body.String())
		fetch(t, m[1])
	})

	t.Run("execute", func(t *testing.T) {
		w := s.do(t, http.MethodPost, target+"/execute", "", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var exec api.ExecuteReportResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
		var link string
		for _, o := range exec.Outputs {
			if o.File == "data.tsv" {
				link = o.URL
			}
		}
		require.NotEmpty(t, link, w.Body.String())
		fetch(t, link)
	})

	t.Run("unknown run", func(t *testing.T) {
		w := s.do(t, http.MethodGet, target+"/attachments/data.tsv?run=nope", "", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestJobAndSessionErrors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/jobs/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/api/jobs/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/jobs?limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/rsessions", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = s.do(t, http.MethodPost, "/api/rsessions", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code, "no remote engine configured")

	w = s.do(t, http.MethodDelete, "/api/rsessions/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateScriptEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/reports/validate", "application/json",
		`{"script":"echo ${nope:x}","report_type":"ReportService.scriptEngineReport"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.ValidateScriptResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID", resp.State)
	assert.Len(t, resp.Errors, 1)

	w = s.do(t, http.MethodPost, "/api/reports/validate", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/reports/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/containers", "application/json",
		`{"parent_id":"`+s.home.ID+`","name":"assay"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var folder api.ContainerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &folder))
	assert.Equal(t, "/home/assay", folder.Path)
	assert.Equal(t, string(container.TypeFolder), folder.Type)

	w = s.do(t, http.MethodPost, "/api/containers", "application/json", `{"parent_id":"x","name":"a/b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/containers/"+s.home.ID+"/settings/folder", "application/json",
		`{"default_date_format":"yyyy-MM-dd"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/containers/"+folder.ID+"/settings/folder", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var fs settings.FolderSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fs))
	assert.Equal(t, "yyyy-MM-dd", fs.DefaultDateFormat)

	w = s.do(t, http.MethodPut, "/api/containers/"+s.home.ID+"/settings/lookandfeel", "application/json",
		`{"system_name":"Lab","support_email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/containers/"+s.home.ID+"/settings/lookandfeel", "application/json",
		`{"system_name":"Lab"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var lf settings.LookAndFeel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lf))
	assert.Equal(t, "Lab", lf.SystemName)

	w = s.do(t, http.MethodPut, "/api/containers/"+folder.ID+"/settings/lookandfeel", "application/json",
		`{"system_name":"Nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "folders carry no look and feel")

	w = s.do(t, http.MethodPut, "/api/containers/"+s.home.ID+"/properties/custom/color", "application/json", `{"value":"blue"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodGet, "/api/containers/"+folder.ID+"/properties/custom/color", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"key":"color","value":"blue"}`, w.Body.String())
	w = s.do(t, http.MethodGet, "/api/containers/"+folder.ID+"/properties/custom", "", "")
	assert.JSONEq(t, `{}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/containers/"+s.home.ID+"/children", "", "")
	var children []api.ContainerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &children))
	require.Len(t, children, 1)
	assert.Equal(t, folder.ID, children[0].ID)

	w = s.do(t, http.MethodDelete, "/api/containers/"+folder.ID, "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/containers/"+folder.ID, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status services.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "test", status.Version)

	w = s.do(t, http.MethodGet, "/api/health/live", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
