package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/rserve"
	"github.com/LabKey/platform-sub050/internal/script"
)

func TestTokenizeAndBuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     []string
		wantErr  bool
	}{
		{"placeholder", "--vanilla %s", []string{"--vanilla", "/w/script.R"}, false},
		{"appended when absent", "--slave", []string{"--slave", "/w/script.R"}, false},
		{"empty template", "", []string{"/w/script.R"}, false},
		{"quoted arguments kept", `-e "source('x y')" '--file=%s'`, []string{"-e", "source('x y')", "--file=/w/script.R"}, false},
		{"only first placeholder", "%s %s", []string{"/w/script.R", "%s"}, false},
		{"empty quoted argument", `a "" b`, []string{"a", "", "b", "/w/script.R"}, false},
		{"unterminated quote", `"abc`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgs(tt.template, "/w/script.R")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func newRequest(t *testing.T, src, ext string) *Request {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "script."+ext)
	require.NoError(t, os.WriteFile(file, []byte(src), 0644))
	return &Request{Script: src, ScriptFile: file, WorkDir: dir}
}

func TestExternalEngineMissingInterpreter(t *testing.T) {
	e := NewExternalEngine(config.EngineConfig{Name: "R", Kind: config.EngineExternal, ExePath: "/nonexistent/Rscript", ExeCommand: "%s"}, nil)
	req := newRequest(t, "print(1)", "R")

	res, err := e.Eval(context.Background(), req)
	assert.Nil(t, res)

	var execErr *apperrors.ScriptExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "R", execErr.Engine)
	assert.Contains(t, execErr.Message, "PATH=")
	assert.Contains(t, execErr.Message, "/nonexistent/Rscript")

	entries, err := os.ReadDir(req.WorkDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the script file exists")
}

func TestExternalEngineRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	e := NewExternalEngine(config.EngineConfig{Name: "sh", ExePath: "/bin/sh", ExeCommand: "%s", OutputFile: "console.txt"}, nil)

	t.Run("success", func(t *testing.T) {
		req := newRequest(t, "echo hello\necho oops 1>&2\necho data > out.txt\n", "sh")
		res, err := e.Eval(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, script.KindConsole, res.Console.Kind)
		assert.Equal(t, filepath.Join(req.WorkDir, "console.txt"), res.Console.File())

		data, err := os.ReadFile(res.Console.File())
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello\n")
		assert.Contains(t, string(data), "oops\n")
		assert.FileExists(t, filepath.Join(req.WorkDir, "out.txt"))
	})

	t.Run("non-zero exit", func(t *testing.T) {
		req := newRequest(t, "echo failing 1>&2\nexit 3\n", "sh")
		_, err := e.Eval(context.Background(), req)
		var execErr *apperrors.ScriptExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Contains(t, execErr.Message, "code 3")
		assert.Equal(t, "failing", execErr.Stderr)
		assert.FileExists(t, filepath.Join(req.WorkDir, "console.txt"), "partial output is kept")
	})
}

func TestEmbeddedEngine(t *testing.T) {
	e := NewEmbeddedEngine(config.EngineConfig{Name: "go", Language: "go", Sandboxed: true}, nil)
	ctx := context.Background()

	t.Run("bindings and last value", func(t *testing.T) {
		src := `import (
	"fmt"
	"report"
)

fmt.Println("hello", report.Params["name"])
err := report.WriteFile(report.WorkingDir+"/out.txt", "from "+report.Container)
if err != nil {
	panic(err)
}
6 * 7
`
		req := newRequest(t, src, "go")
		req.Params = map[string]string{"name": "world"}
		req.Container = "/home"

		res, err := e.Eval(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "42", res.Value)

		console, err := os.ReadFile(res.Console.File())
		require.NoError(t, err)
		assert.Contains(t, string(console), "hello world")
		assert.Contains(t, string(console), "42")

		out, err := os.ReadFile(filepath.Join(req.WorkDir, "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "from /home", string(out))
	})

	t.Run("writes outside the working directory fail", func(t *testing.T) {
		src := `import "report"
report.WriteFile("/tmp/../etc/escape.txt", "x")
`
		req := newRequest(t, src, "go")
		res, err := e.Eval(ctx, req)
		require.NoError(t, err)
		assert.Contains(t, res.Value, "outside the working directory")
	})

	t.Run("sandbox rejects imports", func(t *testing.T) {
		req := newRequest(t, "import (\n\t\"fmt\"\n\t\"os/exec\"\n)\nimport \"net\"\nfmt.Println(1)\n", "go")
		_, err := e.Eval(ctx, req)
		var execErr *apperrors.ScriptExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Contains(t, execErr.Message, "net, os/exec")
	})

	t.Run("evaluation error", func(t *testing.T) {
		req := newRequest(t, "undefinedFunction()", "go")
		_, err := e.Eval(ctx, req)
		assert.True(t, apperrors.IsScriptError(err))
	})
}

func TestSplitImportsAndDisallowed(t *testing.T) {
	imports, body := splitImports("import \"fmt\"\nimport (\n\"strings\"\n)\nfmt.Println(strings.ToUpper(\"a\"))")
	assert.Equal(t, "import \"fmt\"\nimport (\n\"strings\"\n)\n", imports)
	assert.Equal(t, "fmt.Println(strings.ToUpper(\"a\"))", strings.TrimSpace(body))

	imports, body = splitImports("1 + 1")
	assert.Empty(t, imports)
	assert.Equal(t, "1 + 1", body)

	assert.Empty(t, disallowedImports("import (\n\"fmt\"\n\"report\"\n)"))
	assert.Equal(t, []string{"os"}, disallowedImports(`import myos "os"`))
	assert.Equal(t, "encoding/json", symbolPackage("encoding/json/json"))
}

type fakeConn struct {
	mu      sync.Mutex
	exprs   []string
	results map[string]interface{}
	fail    string
	closed  bool
}

func (f *fakeConn) Eval(_ context.Context, expr string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exprs = append(f.exprs, expr)
	if f.fail != "" && strings.Contains(expr, f.fail) {
		return nil, &rserve.ServerError{Code: 0x7f}
	}
	return f.results[expr], nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRemoteEngine(t *testing.T) {
	cfg := config.EngineConfig{Name: "Rserve", Kind: config.EngineRemote, Language: "R"}
	ctx := context.Background()

	t.Run("statements are wrapped and flattened", func(t *testing.T) {
		conn := &fakeConn{results: map[string]interface{}{
			WrapStatement("x <- c(1, 2)"): []string{"[1] 1 2"},
			WrapStatement("summary(x)"):   []string{"Min. Max.", " 1    2"},
		}}
		e := NewRemoteEngine(cfg, nil, nil).WithDialer(func(context.Context) (rserve.Conn, error) { return conn, nil })

		req := newRequest(t, "# comment\nx <- c(1, 2)\n\nsummary(x)\n", "R")
		res, err := e.Eval(ctx, req)
		require.NoError(t, err)
		assert.True(t, conn.closed, "private connection closed after the run")
		require.Len(t, conn.exprs, 3)
		assert.True(t, strings.HasPrefix(conn.exprs[0], "setwd("))
		assert.Equal(t, `paste(capture.output(print(summary(x))), collapse="\n")`, conn.exprs[2])
		assert.Equal(t, "Min. Max.\n 1    2", res.Value)

		console, err := os.ReadFile(res.Console.File())
		require.NoError(t, err)
		assert.Contains(t, string(console), "> x <- c(1, 2)\n[1] 1 2\n")
	})

	t.Run("failed statement", func(t *testing.T) {
		conn := &fakeConn{fail: "stop"}
		e := NewRemoteEngine(cfg, nil, nil).WithDialer(func(context.Context) (rserve.Conn, error) { return conn, nil })
		_, err := e.Eval(ctx, newRequest(t, "1\nstop('x')\n2", "R"))
		var execErr *apperrors.ScriptExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Contains(t, execErr.Message, "stop('x')")
		assert.Len(t, conn.exprs, 3, "evaluation halts at the failure")
	})

	t.Run("connection failure", func(t *testing.T) {
		e := NewRemoteEngine(cfg, nil, nil).WithDialer(func(context.Context) (rserve.Conn, error) { return nil, errors.New("refused") })
		_, err := e.Eval(ctx, newRequest(t, "1", "R"))
		assert.True(t, apperrors.IsScriptError(err))
	})

	t.Run("shared session", func(t *testing.T) {
		conn := &fakeConn{}
		sessions := rserve.NewSessionManager(func(context.Context) (rserve.Conn, error) { return conn, nil }, nil)
		id, err := sessions.Create(ctx)
		require.NoError(t, err)

		e := NewRemoteEngine(cfg, sessions, nil)
		req := newRequest(t, "1", "R")
		req.SessionID = id
		_, err = e.Eval(ctx, req)
		require.NoError(t, err)
		assert.False(t, conn.closed, "session outlives the run")
		assert.Equal(t, 1, sessions.List()[0].RefCount)

		req.SessionID = "expired"
		_, err = e.Eval(ctx, req)
		var execErr *apperrors.ScriptExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.ErrorIs(t, err, rserve.ErrSessionNotFound)
	})
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"strings", []string{"a", "b"}, "a\nb"},
		{"ints with NA", []int32{1, rserve.NAInt, 3}, "1 NA 3"},
		{"doubles", []float64{1.5, 2}, "1.5 2"},
		{"nested list", []interface{}{[]string{"x"}, []interface{}{[]int32{1}, []float64{2.5}}}, "x\n1\n2.5"},
		{"tagged list", &rserve.List{Names: []string{"a"}, Values: []interface{}{[]string{"v"}}}, "v"},
		{"other", []bool{true}, "[]bool{true}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flatten(tt.in))
		})
	}
}

func TestManager(t *testing.T) {
	m, err := NewManager(config.Default().Scripting, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"R", "go"}, m.Names())
	def, err := m.Get("")
	require.NoError(t, err)
	assert.Equal(t, "R", def.Name())

	e, err := m.ForFile("report.GOS")
	require.NoError(t, err)
	assert.Equal(t, "go", e.Name())

	_, err = m.Get("python")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = m.ForFile("x.py")
	assert.True(t, apperrors.IsNotFound(err))
	assert.Nil(t, m.Sessions())
	assert.NoError(t, m.Close())

	assert.Contains(t, def.Prolog(script.PrologContext{}), "labkey.url.base")
	assert.Empty(t, e.Prolog(script.PrologContext{}))

	cfg := config.Default().Scripting
	for i := range cfg.Engines {
		cfg.Engines[i].Enabled = true
	}
	m, err = NewManager(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, m.Sessions())
	assert.Len(t, m.Names(), 3)
}
