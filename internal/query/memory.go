package query

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// MemoryProvider serves registered tables and named column views
type MemoryProvider struct {
	mu     sync.RWMutex
	tables map[string]*Result
	views  map[string][]string
}

// NewMemoryProvider creates an empty provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		tables: make(map[string]*Result),
		views:  make(map[string][]string),
	}
}

// Register adds or replaces the table for schema.query
func (p *MemoryProvider) Register(schema, query string, result *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables[Settings{SchemaName: schema, QueryName: query}.Key()] = result
}

// RegisterView defines a named view as a subset of columns
func (p *MemoryProvider) RegisterView(schema, query, view string, columns []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views[viewKey(Settings{SchemaName: schema, QueryName: query, ViewName: view})] = columns
}

// Execute implements Provider
func (p *MemoryProvider) Execute(ctx context.Context, settings Settings) (*Result, error) {
	if err := settings.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrTypeValidation, err.Error(), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	table, ok := p.tables[settings.Key()]
	view, viewOK := p.views[viewKey(settings)]
	p.mu.RUnlock()

	if !ok {
		return nil, apperrors.NewNotFoundError("query " + settings.Key())
	}
	if settings.ViewName != "" && !viewOK {
		return nil, apperrors.NewNotFoundError("view " + settings.ViewName)
	}
	return apply(table, settings, view)
}

func viewKey(s Settings) string {
	return s.Key() + "/" + strings.ToLower(s.ViewName)
}
