package script

import (
	"regexp"
	"strings"
)

// Kind is the declared type of an output
type Kind string

const (
	KindConsole    Kind = "console"
	KindError      Kind = "error"
	KindText       Kind = "text"
	KindTSV        Kind = "tsv"
	KindImage      Kind = "image"
	KindPDF        Kind = "pdf"
	KindFile       Kind = "file"
	KindPostscript Kind = "postscript"
	KindHTML       Kind = "html"
	KindSVG        Kind = "svg"
	KindJSON       Kind = "json"
)

// InputToken is replaced by the path of the input data file
const InputToken = "input_data"

// outputPrefixes maps token prefixes to output kinds
var outputPrefixes = map[string]Kind{
	"txtout":  KindText,
	"tsvout":  KindTSV,
	"imgout":  KindImage,
	"pdfout":  KindPDF,
	"fileout": KindFile,
	"psout":   KindPostscript,
	"htmlout": KindHTML,
	"svgout":  KindSVG,
	"jsonout": KindJSON,
}

// fileExtensions is the suffix given to allocated files of each kind
var fileExtensions = map[Kind]string{
	KindText:       "txt",
	KindTSV:        "tsv",
	KindImage:      "png",
	KindPDF:        "pdf",
	KindPostscript: "ps",
	KindHTML:       "html",
	KindSVG:        "svg",
	KindJSON:       "json",
}

var (
	tokenPattern  = regexp.MustCompile(`\$\{([^{}]*)\}`)
	legacyPattern = regexp.MustCompile(`#\{([A-Za-z_]+(?::[^{}]*)?)\}`)
)

// Token is one ${...} occurrence in a script
type Token struct {
	Raw    string // full text including ${ }
	Name   string // text between the braces
	Prefix string
	Label  string
}

// IsInput reports whether the token is the input data marker
func (t Token) IsInput() bool {
	return t.Name == InputToken
}

// Kind returns the output kind for the token's prefix
func (t Token) Kind() (Kind, bool) {
	if t.Prefix == "" {
		return "", false
	}
	k, ok := outputPrefixes[t.Prefix]
	return k, ok
}

// IsOutput reports whether the token names a recognized output
func (t Token) IsOutput() bool {
	_, ok := t.Kind()
	return ok && t.Label != ""
}

// IsRegex reports whether the label is a /pattern/ matching loose files
func (t Token) IsRegex() bool {
	return len(t.Label) > 2 && strings.HasPrefix(t.Label, "/") && strings.HasSuffix(t.Label, "/")
}

// Pattern returns the regex source of a /pattern/ label
func (t Token) Pattern() string {
	if !t.IsRegex() {
		return ""
	}
	return t.Label[1 : len(t.Label)-1]
}

func parseToken(raw, name string) Token {
	tok := Token{Raw: raw, Name: name}
	if i := strings.Index(name, ":"); i > 0 {
		tok.Prefix = strings.ToLower(strings.TrimSpace(name[:i]))
		tok.Label = strings.TrimSpace(name[i+1:])
	}
	return tok
}

// Tokens returns every token in the script in textual order, duplicates included
func Tokens(script string) []Token {
	matches := tokenPattern.FindAllStringSubmatch(script, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, parseToken(m[0], m[1]))
	}
	return tokens
}

// Canonicalize rewrites the legacy #{prefix:name} form to ${prefix:name}.
// Only recognized prefixes and the input marker are rewritten.
func Canonicalize(script string) string {
	return legacyPattern.ReplaceAllStringFunc(script, func(m string) string {
		name := legacyPattern.FindStringSubmatch(m)[1]
		tok := parseToken(m, name)
		if tok.IsInput() || tok.IsOutput() {
			return "${" + name + "}"
		}
		return m
	})
}

// KindForPrefix returns the output kind registered for a token prefix
func KindForPrefix(prefix string) (Kind, bool) {
	k, ok := outputPrefixes[strings.ToLower(prefix)]
	return k, ok
}
