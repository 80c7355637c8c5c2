package script

import (
	"os"
	"path/filepath"
)

// ScriptOutput is the machine-readable form of one produced file
type ScriptOutput struct {
	Type  Kind   `json:"type"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
	File  string `json:"file,omitempty"`
	URL   string `json:"url,omitempty"`
}

// LinkFunc returns the download URL of one output file
type LinkFunc func(rep *ParamReplacement, file string) string

// ScriptOutputs converts every existing file of every replacement into an
// output record, in encounter order. Text-like kinds are inlined and the
// rest carry the file name.
func ScriptOutputs(replacements []*ParamReplacement) []ScriptOutput {
	return LinkedOutputs(replacements, nil)
}

// LinkedOutputs is ScriptOutputs with a download URL on every output that
// is not inlined.
func LinkedOutputs(replacements []*ParamReplacement, link LinkFunc) []ScriptOutput {
	var out []ScriptOutput
	for _, rep := range replacements {
		for _, file := range rep.ExistingFiles() {
			o := ScriptOutput{Type: rep.Kind, Name: rep.Name, File: filepath.Base(file)}
			if isInline(rep.Kind) {
				data, err := os.ReadFile(file)
				if err != nil {
					out = append(out, ScriptOutput{Type: KindError, Name: rep.Name, Value: err.Error()})
					continue
				}
				o.Value = string(data)
			} else if link != nil {
				o.URL = link(rep, file)
			}
			out = append(out, o)
		}
	}
	return out
}

// IsDownload reports whether callers fetch the output file instead of
// receiving its content inline.
func (p *ParamReplacement) IsDownload() bool {
	return !isInline(p.Kind)
}

// ErrorOutput is the single record returned in place of outputs when a
// script could not be validated or run.
func ErrorOutput(err error) []ScriptOutput {
	return []ScriptOutput{{Type: KindError, Value: err.Error()}}
}

// Thumbnail returns the first replacement able to render as an image and
// its file. Later candidates are not considered.
func Thumbnail(replacements []*ParamReplacement) (*ParamReplacement, string, bool) {
	for _, rep := range replacements {
		if !rep.IsThumbnailCapable() {
			continue
		}
		if existing := rep.ExistingFiles(); len(existing) > 0 {
			return rep, existing[0], true
		}
	}
	return nil, "", false
}

func isInline(k Kind) bool {
	switch k {
	case KindConsole, KindError, KindText, KindTSV, KindHTML, KindSVG, KindJSON:
		return true
	}
	return false
}
