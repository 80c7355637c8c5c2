package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/rserve"
	"github.com/LabKey/platform-sub050/internal/script"
)

// RemoteEngine evaluates R scripts on an Rserve server one statement at a time
type RemoteEngine struct {
	cfg      config.EngineConfig
	sessions *rserve.SessionManager
	dial     rserve.DialFunc
	logger   *slog.Logger
}

// NewRemoteEngine creates an engine for the server in cfg. Requests naming a
// session run on that session's connection.
func NewRemoteEngine(cfg config.EngineConfig, sessions *rserve.SessionManager, logger *slog.Logger) *RemoteEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteEngine{
		cfg:      cfg,
		sessions: sessions,
		dial:     RemoteDialer(cfg, logger),
		logger:   logger.With(slog.String("component", "remote_engine"), slog.String("engine", cfg.Name)),
	}
}

// WithDialer replaces how connections for unshared runs are opened
func (e *RemoteEngine) WithDialer(dial rserve.DialFunc) *RemoteEngine {
	e.dial = dial
	return e
}

// RemoteDialer returns a DialFunc connecting and logging in to cfg's server
func RemoteDialer(cfg config.EngineConfig, logger *slog.Logger) rserve.DialFunc {
	return func(ctx context.Context) (rserve.Conn, error) {
		port := cfg.Port
		if port == 0 {
			port = config.DefaultRservePort
		}
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		c, err := rserve.Dial(ctx, addr, config.RserveDialTimeout, logger)
		if err != nil {
			return nil, err
		}
		if c.AuthRequired() || cfg.User != "" {
			if err := c.Login(ctx, cfg.User, cfg.Password); err != nil {
				c.Close()
				return nil, err
			}
		}
		return c, nil
	}
}

// Name implements Engine
func (e *RemoteEngine) Name() string { return e.cfg.Name }

// Language implements Engine
func (e *RemoteEngine) Language() string { return e.cfg.Language }

// Extension implements Engine
func (e *RemoteEngine) Extension() string { return firstExtension(e.cfg) }

// Prolog implements Engine
func (e *RemoteEngine) Prolog(pc script.PrologContext) string {
	return script.RProlog(pc)
}

// Eval runs each statement line of req.Script and writes the printed value
// of each to the console file.
func (e *RemoteEngine) Eval(ctx context.Context, req *Request) (*Result, error) {
	conn, release, err := e.connect(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	path := consoleFile(req, e.cfg.OutputFile)
	console, err := createConsole(e.cfg.Name, path)
	if err != nil {
		return nil, err
	}
	defer console.Close()

	if req.WorkDir != "" {
		if _, err := conn.Eval(ctx, fmt.Sprintf("setwd(%s)", strconv.Quote(strings.ReplaceAll(req.WorkDir, `\`, "/")))); err != nil {
			return nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to set working directory", err)
		}
	}

	var last string
	for _, stmt := range Statements(req.Script) {
		fmt.Fprintf(console, "> %s\n", stmt)
		v, err := conn.Eval(ctx, WrapStatement(stmt))
		if err != nil {
			fmt.Fprintln(console, err.Error())
			return nil, apperrors.NewScriptExecutionError(e.cfg.Name, fmt.Sprintf("failed to evaluate %q", stmt), err)
		}
		last = Flatten(v)
		if last != "" {
			io.WriteString(console, last+"\n")
		}
	}

	return &Result{Console: script.ConsoleReplacement(path), Value: last}, nil
}

// connect returns a shared session connection or a new private one
func (e *RemoteEngine) connect(ctx context.Context, sessionID string) (rserve.Conn, func(), error) {
	if sessionID != "" {
		if e.sessions == nil {
			return nil, nil, apperrors.NewScriptExecutionError(e.cfg.Name, "shared sessions are not enabled", nil)
		}
		conn, err := e.sessions.Acquire(sessionID)
		if err != nil {
			if errors.Is(err, rserve.ErrSessionNotFound) {
				return nil, nil, apperrors.NewScriptExecutionError(e.cfg.Name,
					fmt.Sprintf("R session %s was not found; it may have expired", sessionID), err)
			}
			return nil, nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to acquire R session", err)
		}
		return conn, func() { _ = e.sessions.Release(sessionID) }, nil
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return nil, nil, apperrors.NewScriptExecutionError(e.cfg.Name, "failed to connect to Rserve", err)
	}
	return conn, func() { _ = conn.Close() }, nil
}

// Statements splits a script into one statement per non-blank,
// non-comment line.
func Statements(src string) []string {
	var out []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// WrapStatement captures the printed form of a statement as one string
func WrapStatement(stmt string) string {
	return fmt.Sprintf(`paste(capture.output(print(%s)), collapse="\n")`, stmt)
}

// Flatten renders an evaluated value as text. Strings, integers, doubles
// and lists are flattened recursively. Anything else is shown with %#v.
func Flatten(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []string:
		return strings.Join(x, "\n")
	case []int32:
		parts := make([]string, len(x))
		for i, n := range x {
			if n == rserve.NAInt {
				parts[i] = "NA"
			} else {
				parts[i] = strconv.FormatInt(int64(n), 10)
			}
		}
		return strings.Join(parts, " ")
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.Join(parts, " ")
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, Flatten(e))
		}
		return strings.Join(parts, "\n")
	case *rserve.List:
		return Flatten(x.Values)
	default:
		return fmt.Sprintf("%#v", x)
	}
}
