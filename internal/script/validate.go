package script

import (
	"fmt"
	"strings"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// State is the validation state of a script
type State int

const (
	Unvalidated State = iota
	Valid
	Invalid
)

func (s State) String() string {
	switch s {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	default:
		return "UNVALIDATED"
	}
}

// Validate checks a script before it is allowed to run. It reports one
// message per distinct unrecognized token. Names listed in extra are
// accepted as engine-provided variables.
func Validate(script string, extra ...string) (State, []string) {
	script = Canonicalize(script)
	if strings.TrimSpace(script) == "" {
		return Invalid, []string{"the script is empty"}
	}

	allowed := make(map[string]bool, len(extra))
	for _, name := range extra {
		allowed[name] = true
	}

	var errs []string
	seen := make(map[string]bool)
	for _, tok := range Tokens(script) {
		if tok.IsInput() || allowed[tok.Name] {
			continue
		}
		if seen[tok.Name] {
			continue
		}
		seen[tok.Name] = true

		switch {
		case tok.Prefix == "":
			errs = append(errs, fmt.Sprintf("unknown substitution token: %s", tok.Raw))
		case !tok.IsOutput():
			if _, known := tok.Kind(); known {
				errs = append(errs, fmt.Sprintf("missing output name in token: %s", tok.Raw))
			} else {
				errs = append(errs, fmt.Sprintf("unknown output type %q in token: %s", tok.Prefix, tok.Raw))
			}
		case tok.IsRegex():
			if _, err := compilePattern(tok.Pattern()); err != nil {
				errs = append(errs, fmt.Sprintf("invalid file pattern in token %s: %v", tok.Raw, err))
			}
		}
	}

	if len(errs) > 0 {
		return Invalid, errs
	}
	return Valid, nil
}

// Check returns a ScriptValidationError when the script is invalid
func Check(script string, extra ...string) error {
	if state, errs := Validate(script, extra...); state != Valid {
		return apperrors.NewScriptValidationError(errs)
	}
	return nil
}
