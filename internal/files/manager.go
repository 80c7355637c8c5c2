package files

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// Manager owns the report working directories under the temp root
type Manager struct {
	tempRoot string
	logger   *slog.Logger
}

// NewManager creates a new file manager rooted at the configured temp directory
func NewManager(paths *config.Paths, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tempRoot: paths.TempDir,
		logger:   logger.With(slog.String("component", "files")),
	}
}

// TempRoot returns the directory all working directories live under
func (m *Manager) TempRoot() string {
	return m.tempRoot
}

// ReportRoot returns the directory holding every working directory of one
// report in one container.
func (m *Manager) ReportRoot(containerID string, reportID int64) string {
	return filepath.Join(m.tempRoot, sanitize(containerID), config.ReportDirPrefix+strconv.FormatInt(reportID, 10))
}

// WorkingDir returns the working directory path for one execution.
// Interactive and pipeline runs are kept apart, and executionID keeps
// concurrent runs of the same report from sharing files.
func (m *Manager) WorkingDir(containerID string, reportID int64, pipeline bool, executionID string) string {
	mode := config.InteractiveDirName
	if pipeline {
		mode = config.PipelineDirName
	}
	return filepath.Join(m.ReportRoot(containerID, reportID), mode, sanitize(executionID))
}

// CreateWorkingDir creates the working directory for a new execution and
// returns its path. A fresh uuid is used when executionID is empty.
func (m *Manager) CreateWorkingDir(containerID string, reportID int64, pipeline bool, executionID string) (string, error) {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	dir := m.WorkingDir(containerID, reportID, pipeline, executionID)

	m.logger.Debug("Creating working directory",
		slog.String("dir", dir),
		slog.Bool("pipeline", pipeline))

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.NewInfrastructureError("failed to create working directory", err).
			WithContext("dir", dir)
	}
	return dir, nil
}

// DownloadDir returns the directory an interactive run publishes its
// downloadable outputs to. It outlives the run's working directory.
func (m *Manager) DownloadDir(containerID string, reportID int64, runID string) string {
	return filepath.Join(m.ReportRoot(containerID, reportID), config.DownloadsDirName, sanitize(runID))
}

// PruneDownloads removes the download directories of a report last
// modified before olderThan ago and returns how many were removed.
func (m *Manager) PruneDownloads(containerID string, reportID int64, olderThan time.Duration) (int, error) {
	root := filepath.Join(m.ReportRoot(containerID, reportID), config.DownloadsDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperrors.NewInfrastructureError("failed to list downloads", err).WithContext("dir", root)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := m.DeleteDirectory(filepath.Join(root, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// DeleteDirectory removes a directory tree. Missing directories are not an error.
func (m *Manager) DeleteDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	m.logger.Debug("Deleting directory", slog.String("dir", dir))
	if err := os.RemoveAll(dir); err != nil {
		return apperrors.NewInfrastructureError("failed to delete directory", err).WithContext("dir", dir)
	}
	return nil
}

// DeleteReportFiles removes every working directory of a report
func (m *Manager) DeleteReportFiles(containerID string, reportID int64) error {
	return m.DeleteDirectory(m.ReportRoot(containerID, reportID))
}

// ReserveFile returns a unique, not yet existing path in dir for a script
// to write to. The directory is created when missing.
func (m *Manager) ReserveFile(dir, prefix, ext string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.NewInfrastructureError("failed to create output directory", err).WithContext("dir", dir)
	}
	name := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return filepath.Join(dir, name), nil
}

// CopyFile copies a file from source to destination
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}

	return dstFile.Sync()
}

// AppendToFile appends text to a file, creating it when missing
func AppendToFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// FileExists checks if a regular file exists at the given path
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// FindFilesByRegex returns the files directly under dir whose base name fully
// matches re, sorted by name. Files listed in exclude are skipped.
func FindFilesByRegex(dir string, re *regexp.Regexp, exclude map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if exclude[path] {
			continue
		}
		if loc := re.FindStringIndex(entry.Name()); loc != nil && loc[0] == 0 && loc[1] == len(entry.Name()) {
			matches = append(matches, path)
		}
	}

	sort.Strings(matches)
	return matches, nil
}

// ToSlash returns an absolute path using forward slashes only, the form
// scripts on every platform accept.
func ToSlash(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return strings.ReplaceAll(path, `\`, "/")
}

// sanitize keeps ids usable as single path elements
func sanitize(id string) string {
	id = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
	if id == "" || id == "." || id == ".." {
		return "_"
	}
	return id
}
