package script

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/files"
)

// FileReserver hands out unique output paths in dir
type FileReserver interface {
	ReserveFile(dir, prefix, ext string) (string, error)
}

// Materialized is an executable script and the outputs it references
type Materialized struct {
	Script       string
	Replacements []*ParamReplacement
}

// Materializer rewrites script templates into executable scripts
type Materializer struct {
	alloc  FileReserver
	logger *slog.Logger
}

// NewMaterializer creates a materializer that allocates files through alloc
func NewMaterializer(alloc FileReserver, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{alloc: alloc, logger: logger.With(slog.String("component", "materializer"))}
}

// Materialize prepends the prolog, substitutes the input file and then
// allocates one file per distinct output token. inputFile may be empty,
// in which case ${input_data} is left for the engine to bind.
func (m *Materializer) Materialize(template, inputFile, workDir, prolog string) (*Materialized, error) {
	text := Canonicalize(template)
	text = AddProlog(text, prolog)
	text = SubstituteInput(text, inputFile)

	text, reps, err := m.SubstituteOutputs(text, workDir)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Materialized script",
		slog.String("work_dir", workDir),
		slog.Int("outputs", len(reps)))

	return &Materialized{Script: text, Replacements: reps}, nil
}

// AddProlog prepends prolog unless the script is blank
func AddProlog(script, prolog string) string {
	if prolog == "" || strings.TrimSpace(script) == "" {
		return script
	}
	if !strings.HasSuffix(prolog, "\n") {
		prolog += "\n"
	}
	return prolog + script
}

// SubstituteInput replaces every input token with the absolute,
// forward-slash path of inputFile. Applying it twice changes nothing.
func SubstituteInput(script, inputFile string) string {
	if inputFile == "" {
		return script
	}
	return strings.ReplaceAll(script, "${"+InputToken+"}", files.ToSlash(inputFile))
}

// SubstituteOutputs replaces each output token with a file path. A token
// seen twice reuses the file allocated the first time.
func (m *Materializer) SubstituteOutputs(script, workDir string) (string, []*ParamReplacement, error) {
	var reps []*ParamReplacement
	byID := make(map[string]string)
	resolved := make(map[string]string)

	for _, tok := range Tokens(script) {
		if !tok.IsOutput() {
			continue
		}
		id := tok.Prefix + ":" + tok.Label
		if path, ok := byID[id]; ok {
			resolved[tok.Raw] = path
			continue
		}

		kind, _ := tok.Kind()
		rep := &ParamReplacement{ID: id, Name: tok.Label, Kind: kind}

		var path string
		switch {
		case tok.IsRegex():
			rep.Regex = tok.Pattern()
			path = workDir
		case kind == KindPDF || kind == KindFile || kind == KindPostscript:
			var err error
			path, err = fixedFile(workDir, tok.Label, fileExtensions[kind])
			if err != nil {
				return "", nil, err
			}
			rep.Files = []string{path}
		default:
			var err error
			path, err = m.alloc.ReserveFile(workDir, fileStem(tok.Label)+"_", fileExtensions[kind])
			if err != nil {
				return "", nil, err
			}
			rep.Files = []string{path}
		}

		byID[id] = files.ToSlash(path)
		resolved[tok.Raw] = byID[id]
		reps = append(reps, rep)
	}

	for raw, path := range resolved {
		script = strings.ReplaceAll(script, raw, path)
	}
	return script, reps, nil
}

// fixedFile returns a stable path under workDir for outputs that must keep
// their name, such as downloads.
func fixedFile(workDir, label, ext string) (string, error) {
	name := filepath.Base(label)
	if name == "." || name == string(filepath.Separator) {
		return "", apperrors.NewScriptValidationError([]string{fmt.Sprintf("invalid output name %q", label)})
	}
	if ext != "" && !strings.EqualFold(filepath.Ext(name), "."+ext) {
		name += "." + ext
	}
	path := filepath.Join(workDir, name)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", apperrors.NewInfrastructureError("failed to create working directory", err)
	}
	return path, nil
}

func fileStem(label string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return r
		}
		return '_'
	}, label)
}
