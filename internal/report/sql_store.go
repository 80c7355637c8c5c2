package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// SQLDescriptorStore keeps one row per report with its descriptor as XML
type SQLDescriptorStore struct {
	db *sql.DB
}

// NewSQLDescriptorStore opens or creates the report table at dbPath.
// The special path ":memory:" keeps the database in memory.
func NewSQLDescriptorStore(dbPath string) (*SQLDescriptorStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open report database", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLDescriptorStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("failed to initialize report schema", err)
	}
	return s, nil
}

func (s *SQLDescriptorStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reports (
		report_id INTEGER PRIMARY KEY AUTOINCREMENT,
		container_id TEXT NOT NULL,
		entity_id TEXT NOT NULL UNIQUE,
		owner_id INTEGER NOT NULL DEFAULT 0,
		created_by INTEGER NOT NULL DEFAULT 0,
		flags INTEGER NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		display_order INTEGER NOT NULL DEFAULT 0,
		report_key TEXT NOT NULL DEFAULT '',
		descriptor_xml TEXT NOT NULL,
		content_modified TIMESTAMP NOT NULL,
		created TIMESTAMP NOT NULL,
		modified TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_container ON reports(container_id);
	`)
	return err
}

const selectReport = `SELECT report_id, container_id, entity_id, owner_id, created_by, flags, category,
	display_order, descriptor_xml, content_modified, created, modified FROM reports`

// Get implements Store
func (s *SQLDescriptorStore) Get(ctx context.Context, id int64) (*Descriptor, error) {
	row := s.db.QueryRowContext(ctx, selectReport+` WHERE report_id = ?`, id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("report")
	}
	return d, err
}

// List implements Store
func (s *SQLDescriptorStore) List(ctx context.Context, containerID string) ([]*Descriptor, error) {
	q := selectReport
	var args []interface{}
	if containerID != "" {
		q += ` WHERE container_id = ?`
		args = append(args, containerID)
	}
	q += ` ORDER BY display_order, report_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to query reports", err)
	}
	defer rows.Close()

	var out []*Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Save implements Store
func (s *SQLDescriptorStore) Save(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	now := time.Now().UTC()
	d = d.Clone()
	if d.ReportID == 0 {
		prepareInsert(d, now)
	}
	d.Modified = now

	xmlData, err := d.ToXML()
	if err != nil {
		return nil, apperrors.NewStorageError("failed to serialize report", err)
	}

	if d.ReportID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO reports (container_id, entity_id, owner_id, created_by, flags,
			category, display_order, report_key, descriptor_xml, content_modified, created, modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ContainerID, d.EntityID, d.OwnerID, d.CreatedBy, d.Flags, d.Category, d.DisplayOrder,
			d.ReportName(), string(xmlData), d.ContentModified, d.Created, d.Modified)
		if err != nil {
			return nil, apperrors.NewStorageError("failed to insert report", err)
		}
		if d.ReportID, err = res.LastInsertId(); err != nil {
			return nil, apperrors.NewStorageError("failed to read report id", err)
		}
		return d, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE reports SET container_id = ?, owner_id = ?, flags = ?, category = ?,
		display_order = ?, report_key = ?, descriptor_xml = ?, content_modified = ?, modified = ?
		WHERE report_id = ?`,
		d.ContainerID, d.OwnerID, d.Flags, d.Category, d.DisplayOrder, d.ReportName(), string(xmlData),
		d.ContentModified, d.Modified, d.ReportID)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to update report", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NewNotFoundError("report")
	}
	return s.Get(ctx, d.ReportID)
}

// Delete implements Store
func (s *SQLDescriptorStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE report_id = ?`, id)
	if err != nil {
		return apperrors.NewStorageError("failed to delete report", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("report")
	}
	return nil
}

// Close implements Store
func (s *SQLDescriptorStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLDescriptorStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDescriptor(row scanner) (*Descriptor, error) {
	var (
		d       Descriptor
		xmlData string
	)
	if err := row.Scan(&d.ReportID, &d.ContainerID, &d.EntityID, &d.OwnerID, &d.CreatedBy, &d.Flags,
		&d.Category, &d.DisplayOrder, &xmlData, &d.ContentModified, &d.Created, &d.Modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.NewStorageError("failed to scan report", err)
	}

	parsed, err := FromXML([]byte(xmlData))
	if err != nil {
		return nil, apperrors.NewStorageError("failed to parse stored descriptor", err).WithContext("report_id", d.ReportID)
	}
	d.DescriptorType = parsed.DescriptorType
	d.ReportType = parsed.ReportType
	d.props = parsed.props
	return &d, nil
}
