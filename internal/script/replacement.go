package script

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/LabKey/platform-sub050/internal/files"
)

// ParamReplacement is one output token resolved to the files backing it
type ParamReplacement struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Files    []string `json:"files"`
	Regex    string   `json:"regex,omitempty"`
	ReportID int64    `json:"reportId,omitempty"`
}

// ConsoleReplacement wraps a console output file
func ConsoleReplacement(path string) *ParamReplacement {
	return &ParamReplacement{ID: string(KindConsole), Name: string(KindConsole), Kind: KindConsole, Files: []string{path}}
}

// File returns the first backing file, or ""
func (p *ParamReplacement) File() string {
	if len(p.Files) == 0 {
		return ""
	}
	return p.Files[0]
}

// ExistingFiles returns the backing files present on disk
func (p *ParamReplacement) ExistingFiles() []string {
	var out []string
	for _, f := range p.Files {
		if files.FileExists(f) {
			out = append(out, f)
		}
	}
	return out
}

// Exists reports whether any backing file is present on disk
func (p *ParamReplacement) Exists() bool {
	return len(p.ExistingFiles()) > 0
}

// IsThumbnailCapable reports whether the output can be shown as an image
func (p *ParamReplacement) IsThumbnailCapable() bool {
	return p.Kind == KindImage || p.Kind == KindSVG
}

// IsAttachment reports whether the output is downloaded rather than shown inline
func (p *ParamReplacement) IsAttachment() bool {
	switch p.Kind {
	case KindPDF, KindFile, KindPostscript:
		return true
	}
	return false
}

// CollectRegexFiles fills the Files of every /pattern/ replacement with the
// loose files in workDir matching its pattern. Files owned by another
// replacement and the paths in exclude are never collected.
func CollectRegexFiles(workDir string, replacements []*ParamReplacement, exclude ...string) error {
	owned := make(map[string]bool)
	for _, p := range exclude {
		owned[p] = true
	}
	for _, rep := range replacements {
		if rep.Regex != "" {
			continue
		}
		for _, f := range rep.Files {
			owned[f] = true
		}
	}

	for _, rep := range replacements {
		if rep.Regex == "" {
			continue
		}
		re, err := compilePattern(rep.Regex)
		if err != nil {
			return err
		}
		matches, err := files.FindFilesByRegex(workDir, re, owned)
		if err != nil {
			return err
		}
		rep.Files = matches
	}
	return nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// WriteSubstitutionMap records replacements one JSON object per line
func WriteSubstitutionMap(path string, replacements []*ParamReplacement) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create substitution map: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rep := range replacements {
		if err := enc.Encode(rep); err != nil {
			f.Close()
			return fmt.Errorf("failed to write substitution map: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadSubstitutionMap loads replacements written by WriteSubstitutionMap.
// Relative file paths are resolved against the map's directory.
func ReadSubstitutionMap(path string) ([]*ParamReplacement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open substitution map: %w", err)
	}
	defer f.Close()

	dir := filepath.Dir(path)
	var out []*ParamReplacement
	dec := json.NewDecoder(f)
	for dec.More() {
		var rep ParamReplacement
		if err := dec.Decode(&rep); err != nil {
			return nil, fmt.Errorf("failed to parse substitution map: %w", err)
		}
		for i, file := range rep.Files {
			if !filepath.IsAbs(file) {
				rep.Files[i] = filepath.Join(dir, file)
			}
		}
		out = append(out, &rep)
	}
	return out, nil
}
