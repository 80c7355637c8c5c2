package query

import (
	"context"
	"os"
	"path/filepath"

	"github.com/LabKey/platform-sub050/internal/exporter"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// FileProvider reads queries from <root>/<schema>/<query>.tsv.
// A view is a <query>.<view>.view file listing one column per line.
type FileProvider struct {
	root string
}

// NewFileProvider creates a provider over a directory of TSV files
func NewFileProvider(root string) *FileProvider {
	return &FileProvider{root: root}
}

// Execute implements Provider
func (p *FileProvider) Execute(ctx context.Context, settings Settings) (*Result, error) {
	if err := settings.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrTypeValidation, err.Error(), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(p.root, filepath.Base(settings.SchemaName), filepath.Base(settings.QueryName)+".tsv")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, apperrors.NewNotFoundError("query " + settings.Key())
	}

	header, records, err := exporter.ReadTSV(path)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read query file", err).WithContext("path", path)
	}

	table := &Result{Columns: header, Rows: make([][]interface{}, len(records))}
	for i, rec := range records {
		row := make([]interface{}, len(rec))
		for j, v := range rec {
			row[j] = v
		}
		table.Rows[i] = row
	}

	var view []string
	if settings.ViewName != "" {
		viewPath := filepath.Join(filepath.Dir(path), filepath.Base(settings.QueryName)+"."+filepath.Base(settings.ViewName)+".view")
		view, err = readLines(viewPath)
		if err != nil {
			return nil, apperrors.NewNotFoundError("view " + settings.ViewName)
		}
	}
	return apply(table, settings, view)
}

func readLines(path string) ([]string, error) {
	header, rows, err := exporter.ReadTSV(path)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	lines := []string{header[0]}
	for _, r := range rows {
		if len(r) > 0 && r[0] != "" {
			lines = append(lines, r[0])
		}
	}
	return lines, nil
}
