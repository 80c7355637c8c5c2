// Package query turns a (schema, query, view, filters) request into a
// tabular result set for report input.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/LabKey/platform-sub050/internal/exporter"
)

// Filter restricts rows to those whose column equals Value
type Filter struct {
	Column string `json:"column" xml:"column"`
	Op     string `json:"op,omitempty" xml:"op,omitempty"`
	Value  string `json:"value" xml:"value"`
}

// Settings identifies the data a report runs over
type Settings struct {
	SchemaName  string   `json:"schemaName"`
	QueryName   string   `json:"queryName"`
	ViewName    string   `json:"viewName,omitempty"`
	Filters     []Filter `json:"filters,omitempty"`
	ContainerID string   `json:"containerId,omitempty"`
}

// Key returns the schema.query name the settings refer to
func (s Settings) Key() string {
	return strings.ToLower(s.SchemaName + "." + s.QueryName)
}

// Validate checks that a schema and query are named
func (s Settings) Validate() error {
	if s.SchemaName == "" || s.QueryName == "" {
		return fmt.Errorf("schema and query name are required")
	}
	for _, f := range s.Filters {
		if f.Op != "" && f.Op != OpEqual {
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return nil
}

// OpEqual is the only supported filter operator
const OpEqual = "eq"

// Result is an in-memory result set
type Result struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// Header implements exporter.Table
func (r *Result) Header() []string {
	return r.Columns
}

// Records implements exporter.Table
func (r *Result) Records() [][]string {
	out := make([][]string, len(r.Rows))
	for i, row := range r.Rows {
		rec := make([]string, len(row))
		for j, v := range row {
			rec[j] = exporter.FormatValue(v)
		}
		out[i] = rec
	}
	return out
}

// ColumnIndex returns the position of a column, case-insensitively, or -1
func (r *Result) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Provider produces result sets for report settings
type Provider interface {
	Execute(ctx context.Context, settings Settings) (*Result, error)
}

// apply filters rows and narrows columns to the view, if any
func apply(src *Result, settings Settings, view []string) (*Result, error) {
	filterIdx := make([]int, len(settings.Filters))
	for i, f := range settings.Filters {
		idx := src.ColumnIndex(f.Column)
		if idx < 0 {
			return nil, fmt.Errorf("unknown filter column %q in %s", f.Column, settings.Key())
		}
		filterIdx[i] = idx
	}

	cols := make([]int, 0, len(src.Columns))
	if len(view) == 0 {
		for i := range src.Columns {
			cols = append(cols, i)
		}
	} else {
		for _, name := range view {
			idx := src.ColumnIndex(name)
			if idx < 0 {
				return nil, fmt.Errorf("view %q references unknown column %q", settings.ViewName, name)
			}
			cols = append(cols, idx)
		}
	}

	out := &Result{Columns: make([]string, len(cols))}
	for i, c := range cols {
		out.Columns[i] = src.Columns[c]
	}

rows:
	for _, row := range src.Rows {
		for i, f := range settings.Filters {
			idx := filterIdx[i]
			if idx >= len(row) || exporter.FormatValue(row[idx]) != f.Value {
				continue rows
			}
		}
		projected := make([]interface{}, len(cols))
		for i, c := range cols {
			if c < len(row) {
				projected[i] = row[c]
			}
		}
		out.Rows = append(out.Rows, projected)
	}
	return out, nil
}
