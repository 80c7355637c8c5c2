package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/exporter"
	"github.com/LabKey/platform-sub050/internal/script"
)

// BindingPackage is the import path scripts use to reach their bindings
const BindingPackage = "report"

// sandboxPackages are the standard library packages a sandboxed script may import
var sandboxPackages = map[string]bool{
	"bytes":         true,
	"encoding/json": true,
	"errors":        true,
	"fmt":           true,
	"math":          true,
	"regexp":        true,
	"sort":          true,
	"strconv":       true,
	"strings":       true,
	"time":          true,
	"unicode":       true,
}

var importPattern = regexp.MustCompile(`(?m)^\s*import\s*(?:\(([^)]*)\)|(?:[A-Za-z_.]\w*\s+)?"([^"]+)")`)
var quotedPattern = regexp.MustCompile(`"([^"]+)"`)

// EmbeddedEngine evaluates Go scripts in process with yaegi
type EmbeddedEngine struct {
	cfg     config.EngineConfig
	symbols interp.Exports
	logger  *slog.Logger
}

// NewEmbeddedEngine creates an in-process Go script engine. A sandboxed
// engine only exposes sandboxPackages.
func NewEmbeddedEngine(cfg config.EngineConfig, logger *slog.Logger) *EmbeddedEngine {
	if logger == nil {
		logger = slog.Default()
	}
	symbols := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		if !cfg.Sandboxed || sandboxPackages[symbolPackage(key)] {
			symbols[key] = syms
		}
	}
	return &EmbeddedEngine{
		cfg:     cfg,
		symbols: symbols,
		logger:  logger.With(slog.String("component", "embedded_engine"), slog.String("engine", cfg.Name)),
	}
}

// Name implements Engine
func (e *EmbeddedEngine) Name() string { return e.cfg.Name }

// Language implements Engine
func (e *EmbeddedEngine) Language() string { return e.cfg.Language }

// Extension implements Engine
func (e *EmbeddedEngine) Extension() string { return firstExtension(e.cfg) }

// Prolog implements Engine. Bindings are provided through the report package.
func (e *EmbeddedEngine) Prolog(script.PrologContext) string { return "" }

// Eval evaluates req.Script on the calling goroutine. Printed output and the
// value of the last expression are written to the console file.
func (e *EmbeddedEngine) Eval(ctx context.Context, req *Request) (res *Result, err error) {
	if e.cfg.Sandboxed {
		if bad := disallowedImports(req.Script); len(bad) > 0 {
			return nil, apperrors.NewScriptExecutionError(e.cfg.Name,
				fmt.Sprintf("imports not allowed in sandboxed scripts: %s", strings.Join(bad, ", ")), nil)
		}
	}

	path := consoleFile(req, e.cfg.OutputFile)
	console, err := createConsole(e.cfg.Name, path)
	if err != nil {
		return nil, err
	}
	defer console.Close()

	i := interp.New(interp.Options{Stdout: console, Stderr: console})
	if err := i.Use(e.symbols); err != nil {
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to load standard library", err)
	}
	if err := i.Use(e.bindings(req, console)); err != nil {
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to load bindings", err)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Script evaluation panicked", slog.Any("panic", r))
			res = nil
			err = apperrors.NewScriptExecutionError(e.cfg.Name, "script panicked", fmt.Errorf("%v", r))
		}
	}()

	imports, body := splitImports(req.Script)
	if imports != "" {
		if _, err := i.EvalWithContext(ctx, imports); err != nil {
			fmt.Fprintln(console, err.Error())
			return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to resolve imports", err)
		}
	}

	v, evalErr := i.EvalWithContext(ctx, body)
	if evalErr != nil {
		fmt.Fprintln(console, evalErr.Error())
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "script evaluation failed", evalErr)
	}

	res = &Result{Console: script.ConsoleReplacement(path)}
	if v.IsValid() && v.CanInterface() && v.Kind() != reflect.Func {
		res.Value = fmt.Sprint(v.Interface())
		fmt.Fprintln(console, res.Value)
	}
	return res, nil
}

// bindings exports the request context to scripts as package report.
// File helpers are confined to the working directory and the input file.
func (e *EmbeddedEngine) bindings(req *Request, console io.Writer) interp.Exports {
	workDir := req.WorkDir
	inputFile := req.InputFile
	params := req.Params
	if params == nil {
		params = map[string]string{}
	}
	container := req.Container
	user := req.User

	allowed := func(path string) (string, error) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		if inputFile != "" && abs == filepath.Clean(inputFile) {
			return abs, nil
		}
		rel, err := filepath.Rel(workDir, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the working directory", path)
		}
		return abs, nil
	}

	readFile := func(path string) (string, error) {
		p, err := allowed(path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(p)
		return string(data), err
	}
	writeFile := func(path, data string) error {
		p, err := allowed(path)
		if err != nil {
			return err
		}
		return os.WriteFile(p, []byte(data), 0644)
	}
	readTSV := func(path string) ([]string, [][]string, error) {
		p, err := allowed(path)
		if err != nil {
			return nil, nil, err
		}
		return exporter.ReadTSV(p)
	}
	writeTSV := func(path string, header []string, rows [][]string) error {
		p, err := allowed(path)
		if err != nil {
			return err
		}
		return exporter.NewTSVWriter(e.logger).WriteTable(p, header, rows)
	}

	return interp.Exports{
		BindingPackage + "/" + BindingPackage: {
			"WorkingDir": reflect.ValueOf(&workDir).Elem(),
			"InputFile":  reflect.ValueOf(&inputFile).Elem(),
			"Params":     reflect.ValueOf(&params).Elem(),
			"Container":  reflect.ValueOf(&container).Elem(),
			"User":       reflect.ValueOf(&user).Elem(),
			"Console":    reflect.ValueOf(&console).Elem(),
			"ReadFile":   reflect.ValueOf(readFile),
			"WriteFile":  reflect.ValueOf(writeFile),
			"ReadTSV":    reflect.ValueOf(readTSV),
			"WriteTSV":   reflect.ValueOf(writeTSV),
		},
	}
}

// disallowedImports lists imports outside the sandbox, sorted
func disallowedImports(src string) []string {
	seen := make(map[string]bool)
	for _, m := range importPattern.FindAllStringSubmatch(src, -1) {
		var paths []string
		if m[1] != "" {
			for _, q := range quotedPattern.FindAllStringSubmatch(m[1], -1) {
				paths = append(paths, q[1])
			}
		} else {
			paths = append(paths, m[2])
		}
		for _, p := range paths {
			if p != BindingPackage && !sandboxPackages[p] {
				seen[p] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// splitImports separates import declarations from the statements so
// they can be evaluated in order.
func splitImports(src string) (string, string) {
	locs := importPattern.FindAllStringIndex(src, -1)
	if len(locs) == 0 {
		return "", src
	}
	var imports, body strings.Builder
	prev := 0
	for _, loc := range locs {
		body.WriteString(src[prev:loc[0]])
		imports.WriteString(strings.TrimSpace(src[loc[0]:loc[1]]))
		imports.WriteString("\n")
		prev = loc[1]
	}
	body.WriteString(src[prev:])
	return imports.String(), body.String()
}

// symbolPackage returns the import path of a stdlib.Symbols key,
// which has the form "path/name".
func symbolPackage(key string) string {
	if i := strings.LastIndex(key, "/"); i > 0 {
		return key[:i]
	}
	return key
}
