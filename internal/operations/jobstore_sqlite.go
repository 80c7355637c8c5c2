package operations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// SQLJobStore persists jobs in sqlite so pending work survives a restart.
// The job is stored as JSON next to the columns used for filtering.
type SQLJobStore struct {
	db *sql.DB
}

// NewSQLJobStore opens or creates the job table at dbPath
func NewSQLJobStore(dbPath string) (*SQLJobStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open job database", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		report_id INTEGER NOT NULL,
		container_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_report ON jobs(report_id);
	`)
	if err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("failed to initialize job schema", err)
	}
	return &SQLJobStore{db: db}, nil
}

// CreateJob implements JobStore
func (s *SQLJobStore) CreateJob(job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return apperrors.NewStorageError("failed to encode job", err)
	}
	_, err = s.db.Exec(`INSERT INTO jobs (id, report_id, container_id, status, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.ReportID, job.ContainerID, string(job.Status), job.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return apperrors.NewAppError(apperrors.ErrTypeValidation, "job "+job.ID+" already exists", err)
		}
		return apperrors.NewStorageError("failed to insert job", err)
	}
	return nil
}

// GetJob implements JobStore
func (s *SQLJobStore) GetJob(id string) (*Job, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("job " + id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read job", err)
	}
	return decodeJob(payload)
}

// UpdateJob implements JobStore
func (s *SQLJobStore) UpdateJob(job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return apperrors.NewStorageError("failed to encode job", err)
	}
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, payload = ? WHERE id = ?`,
		string(job.Status), string(payload), job.ID)
	if err != nil {
		return apperrors.NewStorageError("failed to update job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("job " + job.ID)
	}
	return nil
}

// ListJobs implements JobStore, oldest first
func (s *SQLJobStore) ListJobs(filter JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ReportID != 0 {
		where = append(where, "report_id = ?")
		args = append(args, filter.ReportID)
	}
	if filter.ContainerID != "" {
		where = append(where, "container_id = ?")
		args = append(args, filter.ContainerID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT payload FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, apperrors.NewStorageError("failed to scan job", err)
		}
		job, err := decodeJob(payload)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob implements JobStore
func (s *SQLJobStore) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return apperrors.NewStorageError("failed to delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("job " + id)
	}
	return nil
}

// CleanupOldJobs removes finished jobs created before now minus olderThan
func (s *SQLJobStore) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.Exec(`DELETE FROM jobs WHERE created_at < ? AND status IN (?, ?, ?)`,
		cutoff, string(JobStatusCompleted), string(JobStatusFailed), string(JobStatusCancelled))
	if err != nil {
		return 0, apperrors.NewStorageError("failed to clean up jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ping checks the database connection
func (s *SQLJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

func decodeJob(payload string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, apperrors.NewStorageError("failed to decode job", err)
	}
	return &job, nil
}
