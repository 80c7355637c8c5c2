package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/rserve"
	"github.com/LabKey/platform-sub050/internal/script"
)

// Request is one script evaluation
type Request struct {
	Script      string // materialized script text
	ScriptFile  string // the same text written to disk
	WorkDir     string
	ConsoleFile string
	InputFile   string
	Params      map[string]string
	Container   string
	User        string
	SessionID   string // shared remote session, if any
}

// Result is what an evaluation produced besides its output files
type Result struct {
	Console *script.ParamReplacement
	Value   string
}

// Engine evaluates scripts for one configured language
type Engine interface {
	Name() string
	Language() string
	Extension() string
	Prolog(pc script.PrologContext) string
	Eval(ctx context.Context, req *Request) (*Result, error)
}

// Manager resolves engines by name or script file extension
type Manager struct {
	mu          sync.RWMutex
	engines     map[string]Engine
	extensions  map[string]Engine
	defaultName string
	sessions    *rserve.SessionManager
	logger      *slog.Logger
}

// NewManager builds every enabled engine in cfg
func NewManager(cfg config.ScriptingConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		engines:     make(map[string]Engine),
		extensions:  make(map[string]Engine),
		defaultName: cfg.DefaultEngine,
		logger:      logger.With(slog.String("component", "engine_manager")),
	}

	for _, ec := range cfg.Engines {
		if !ec.Enabled {
			continue
		}
		var e Engine
		switch ec.Kind {
		case config.EngineExternal:
			e = NewExternalEngine(ec, logger)
		case config.EngineEmbedded:
			e = NewEmbeddedEngine(ec, logger)
		case config.EngineRemote:
			if m.sessions == nil {
				m.sessions = rserve.NewSessionManager(RemoteDialer(ec, logger), logger)
			}
			e = NewRemoteEngine(ec, m.sessions, logger)
		default:
			return nil, apperrors.NewConfigError("unknown engine kind "+string(ec.Kind), nil)
		}
		m.Register(e, ec.Extensions...)
	}

	m.logger.Info("Script engines ready", slog.Any("engines", m.Names()))
	return m, nil
}

// Register adds an engine and the file extensions it handles
func (m *Manager) Register(e Engine, extensions ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[strings.ToLower(e.Name())] = e
	for _, ext := range extensions {
		m.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = e
	}
}

// Get returns the engine with the given name, or the default engine for ""
func (m *Manager) Get(name string) (Engine, error) {
	if name == "" {
		name = m.defaultName
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.engines[strings.ToLower(name)]; ok {
		return e, nil
	}
	return nil, apperrors.NewNotFoundError("script engine " + name)
}

// ForFile returns the engine registered for the file's extension
func (m *Manager) ForFile(path string) (Engine, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.extensions[ext]; ok {
		return e, nil
	}
	return nil, apperrors.NewNotFoundError("script engine for extension " + ext)
}

// Names returns the registered engine names in sorted order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.engines))
	for _, e := range m.engines {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// Sessions returns the shared remote session registry, or nil when no
// remote engine is enabled.
func (m *Manager) Sessions() *rserve.SessionManager {
	return m.sessions
}

// Close releases every remote session
func (m *Manager) Close() error {
	if m.sessions == nil {
		return nil
	}
	return m.sessions.CloseAll()
}

// consoleFile returns the console path for a request
func consoleFile(req *Request, outputFile string) string {
	if req.ConsoleFile != "" {
		return req.ConsoleFile
	}
	if outputFile == "" {
		outputFile = config.DefaultConsoleFile
	}
	return filepath.Join(req.WorkDir, outputFile)
}

func createConsole(engine, path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, apperrors.NewScriptExecutionError(engine, "failed to create console output file", err)
	}
	return f, nil
}

// rLanguage reports whether the engine speaks R and takes the R prolog
func rLanguage(lang string) bool {
	return strings.EqualFold(lang, "r")
}
