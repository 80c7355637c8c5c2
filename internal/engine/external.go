package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/script"
)

// stderrTail is how many trailing console lines an error carries
const stderrTail = 20

// ExternalEngine runs scripts with an interpreter process
type ExternalEngine struct {
	cfg    config.EngineConfig
	logger *slog.Logger
}

// NewExternalEngine creates an engine for an external interpreter
func NewExternalEngine(cfg config.EngineConfig, logger *slog.Logger) *ExternalEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalEngine{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "external_engine"), slog.String("engine", cfg.Name)),
	}
}

// Name implements Engine
func (e *ExternalEngine) Name() string { return e.cfg.Name }

// Language implements Engine
func (e *ExternalEngine) Language() string { return e.cfg.Language }

// Extension implements Engine
func (e *ExternalEngine) Extension() string { return firstExtension(e.cfg) }

// Prolog implements Engine
func (e *ExternalEngine) Prolog(pc script.PrologContext) string {
	if rLanguage(e.cfg.Language) {
		return script.RProlog(pc)
	}
	return ""
}

// Eval starts the interpreter on req.ScriptFile and streams its combined
// output into the console file. A non-zero exit is an error.
func (e *ExternalEngine) Eval(ctx context.Context, req *Request) (*Result, error) {
	args, err := BuildArgs(e.cfg.ExeCommand, req.ScriptFile)
	if err != nil {
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "invalid command template", err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.ExePath, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to create output pipe", err)
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("failed to start %q; check that the executable exists and is on the PATH (PATH=%s)",
			e.cfg.ExePath, os.Getenv("PATH"))
		e.logger.Error("Script process failed to start",
			slog.String("exe", e.cfg.ExePath),
			slog.String("error", err.Error()))
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, msg, err)
	}

	path := consoleFile(req, e.cfg.OutputFile)
	console, cerr := createConsole(e.cfg.Name, path)

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if console != nil {
			fmt.Fprintln(console, line)
		}
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if console != nil {
		console.Close()
	}
	if cerr != nil {
		return nil, cerr
	}

	e.logger.Debug("Script process finished",
		slog.Duration("duration", time.Since(start)),
		slog.Int("exit_code", cmd.ProcessState.ExitCode()))

	if waitErr != nil {
		var exitErr *exec.ExitError
		msg := "script process failed"
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("script process exited with code %d", exitErr.ExitCode())
		}
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, msg, waitErr).WithStderr(strings.Join(tail, "\n"))
	}
	if scanErr != nil {
		return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to read script output", scanErr)
	}

	return &Result{Console: script.ConsoleReplacement(path)}, nil
}

// BuildArgs tokenizes a command template and substitutes the script path
// for its %s placeholder. The path is appended when there is none.
func BuildArgs(template, scriptPath string) ([]string, error) {
	tokens, err := Tokenize(template)
	if err != nil {
		return nil, err
	}
	for i, tok := range tokens {
		if strings.Contains(tok, "%s") {
			tokens[i] = strings.Replace(tok, "%s", scriptPath, 1)
			return tokens, nil
		}
	}
	return append(tokens, scriptPath), nil
}

// Tokenize splits a command line on whitespace. Single or double quotes
// group words and are removed.
func Tokenize(s string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		quote   rune
		inToken bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in %q", quote, s)
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func firstExtension(cfg config.EngineConfig) string {
	if len(cfg.Extensions) == 0 {
		return "txt"
	}
	return cfg.Extensions[0]
}
