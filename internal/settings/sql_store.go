package settings

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// SQLStore persists property maps in a SQLite database
type SQLStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLStore creates or opens a property store at dbPath.
// The special path ":memory:" keeps the database in memory.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open settings database", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	store := &SQLStore{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("failed to initialize settings schema", err)
	}
	return store, nil
}

// initSchema creates the database schema
func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS properties (
		user_id INTEGER NOT NULL,
		container_id TEXT NOT NULL,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (user_id, container_id, category, name)
	);
	CREATE INDEX IF NOT EXISTS idx_properties_container ON properties(container_id);
	`)
	return err
}

// Properties returns the map stored for scope
func (s *SQLStore) Properties(ctx context.Context, scope Scope) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM properties WHERE user_id = ? AND container_id = ? AND category = ?`,
		scope.UserID, scope.ContainerID, scope.Category)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to query properties", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, apperrors.NewStorageError("failed to scan property", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("failed to read properties", err)
	}
	return out, nil
}

// SetProperty upserts one value
func (s *SQLStore) SetProperty(ctx context.Context, scope Scope, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (user_id, container_id, category, name, value) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, container_id, category, name) DO UPDATE SET value = excluded.value`,
		scope.UserID, scope.ContainerID, scope.Category, key, value)
	if err != nil {
		return apperrors.NewStorageError("failed to set property", err)
	}
	return nil
}

// RemoveProperty deletes one value
func (s *SQLStore) RemoveProperty(ctx context.Context, scope Scope, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM properties WHERE user_id = ? AND container_id = ? AND category = ? AND name = ?`,
		scope.UserID, scope.ContainerID, scope.Category, key)
	if err != nil {
		return apperrors.NewStorageError("failed to remove property", err)
	}
	return nil
}

// SaveProperties replaces the whole map for scope in one transaction
func (s *SQLStore) SaveProperties(ctx context.Context, scope Scope, props map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM properties WHERE user_id = ? AND container_id = ? AND category = ?`,
		scope.UserID, scope.ContainerID, scope.Category); err != nil {
		return apperrors.NewStorageError("failed to clear properties", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO properties (user_id, container_id, category, name, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.NewStorageError("failed to prepare insert", err)
	}
	defer stmt.Close()

	for k, v := range props {
		if _, err := stmt.ExecContext(ctx, scope.UserID, scope.ContainerID, scope.Category, k, v); err != nil {
			return apperrors.NewStorageError("failed to insert property", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStorageError("failed to commit properties", err)
	}
	return nil
}

// DeleteContainer drops every map scoped to the container
func (s *SQLStore) DeleteContainer(ctx context.Context, containerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM properties WHERE container_id = ?`, containerID); err != nil {
		return apperrors.NewStorageError("failed to delete container properties", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path
func (s *SQLStore) Path() string {
	return s.dbPath
}
