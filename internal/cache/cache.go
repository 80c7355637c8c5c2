// Package cache keeps the outputs of cached reports so repeated renders with
// the same parameters do not re-run the script.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LabKey/platform-sub050/internal/config"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/files"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
	"github.com/LabKey/platform-sub050/internal/script"
)

// copyConcurrency bounds parallel file copies into the cache
const copyConcurrency = 4

// ReportCache stores one output directory per (container, report) together
// with the request parameters it was produced for.
type ReportCache struct {
	root          string
	controlParams map[string]bool

	mu   sync.Mutex
	urls map[string]string

	metrics *infrastructure.ReportMetrics
	logger  *slog.Logger
}

// NewReportCache creates a cache rooted at dir. controlParams are ignored
// when comparing request parameters.
func NewReportCache(dir string, controlParams []string, metrics *infrastructure.ReportMetrics, logger *slog.Logger) *ReportCache {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make(map[string]bool, len(controlParams))
	for _, p := range controlParams {
		cp[strings.TrimSpace(p)] = true
	}
	return &ReportCache{
		root:          dir,
		controlParams: cp,
		urls:          make(map[string]string),
		metrics:       metrics,
		logger:        logger.With(slog.String("component", "report_cache")),
	}
}

// Dir returns the cache directory of a report
func (c *ReportCache) Dir(containerID string, reportID int64) string {
	return filepath.Join(c.root, safeName(containerID), config.ReportDirPrefix+strconv.FormatInt(reportID, 10))
}

// StripControlParams removes cache and tab control parameters from a raw
// query string and returns the rest in canonical (sorted) form.
func (c *ReportCache) StripControlParams(rawQuery string) string {
	values, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		return rawQuery
	}
	for p := range c.controlParams {
		values.Del(p)
	}
	return values.Encode()
}

// IsValid reports whether the cached outputs were produced for the same
// parameters as rawQuery.
func (c *ReportCache) IsValid(ctx context.Context, containerID string, reportID int64, rawQuery string) bool {
	current := c.StripControlParams(rawQuery)

	c.mu.Lock()
	valid := c.validLocked(containerID, reportID, current)
	c.mu.Unlock()

	c.record(ctx, containerID, reportID, valid)
	return valid
}

// Lookup returns the cached outputs of a report when they were produced
// for the same parameters as rawQuery. The check and the read happen under
// one lock, so a concurrent Store cannot swap the outputs in between.
func (c *ReportCache) Lookup(ctx context.Context, containerID string, reportID int64, rawQuery string) ([]*script.ParamReplacement, bool) {
	current := c.StripControlParams(rawQuery)

	c.mu.Lock()
	var (
		reps []*script.ParamReplacement
		err  error
	)
	valid := c.validLocked(containerID, reportID, current)
	if valid {
		reps, err = c.Load(containerID, reportID)
		valid = err == nil
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.WarnContext(ctx, "Cached outputs unreadable",
			slog.String("container", containerID),
			slog.Int64("report_id", reportID),
			slog.String("error", err.Error()))
	}
	c.record(ctx, containerID, reportID, valid)
	return reps, valid
}

func (c *ReportCache) validLocked(containerID string, reportID int64, current string) bool {
	key := cacheKey(containerID, reportID)
	dir := c.Dir(containerID, reportID)

	recorded, ok := c.urls[key]
	if !ok {
		if data, err := os.ReadFile(filepath.Join(dir, config.CachedURLFile)); err == nil {
			recorded, ok = string(data), true
			c.urls[key] = recorded
		}
	}
	return ok && recorded == current && files.FileExists(filepath.Join(dir, config.SubstitutionMapFile))
}

func (c *ReportCache) record(ctx context.Context, containerID string, reportID int64, hit bool) {
	c.metrics.RecordCache(ctx, hit)
	c.logger.Debug("Checked report cache",
		slog.String("container", containerID),
		slog.Int64("report_id", reportID),
		slog.Bool("valid", hit))
}

// Store copies the output files into the cache, stamps console outputs
// and records rawQuery. It returns the replacements rewritten to point at
// the cached copies.
func (c *ReportCache) Store(ctx context.Context, containerID string, reportID int64, rawQuery string, reps []*script.ParamReplacement) ([]*script.ParamReplacement, error) {
	dir := c.Dir(containerID, reportID)
	key := cacheKey(containerID, reportID)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.urls, key)
	if err := os.RemoveAll(dir); err != nil {
		return nil, apperrors.NewInfrastructureError("failed to clear report cache", err).WithContext("dir", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.NewInfrastructureError("failed to create report cache", err).WithContext("dir", dir)
	}

	cached := make([]*script.ParamReplacement, len(reps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyConcurrency)

	for i, rep := range reps {
		cp := *rep
		cp.Files = nil
		for _, src := range rep.ExistingFiles() {
			dst := filepath.Join(dir, filepath.Base(src))
			cp.Files = append(cp.Files, dst)
			isConsole := rep.Kind == script.KindConsole

			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := files.CopyFile(src, dst); err != nil {
					return err
				}
				if isConsole {
					return files.AppendToFile(dst, fmt.Sprintf("\nlast cached update : %s\n", time.Now().Format(time.RFC1123)))
				}
				return nil
			})
		}
		cached[i] = &cp
	}

	if err := g.Wait(); err != nil {
		return nil, apperrors.NewStorageError("failed to copy outputs to cache", err).WithContext("dir", dir)
	}

	if err := script.WriteSubstitutionMap(filepath.Join(dir, config.SubstitutionMapFile), relativeTo(dir, cached)); err != nil {
		return nil, apperrors.NewStorageError("failed to write substitution map", err)
	}

	stripped := c.StripControlParams(rawQuery)
	if err := os.WriteFile(filepath.Join(dir, config.CachedURLFile), []byte(stripped), 0644); err != nil {
		return nil, apperrors.NewStorageError("failed to record cached parameters", err)
	}
	c.urls[key] = stripped

	c.logger.Info("Cached report outputs",
		slog.String("container", containerID),
		slog.Int64("report_id", reportID),
		slog.Int("outputs", len(cached)))
	return cached, nil
}

// Load reads the cached replacements of a report. It does not check
// freshness; Lookup does both.
func (c *ReportCache) Load(containerID string, reportID int64) ([]*script.ParamReplacement, error) {
	path := filepath.Join(c.Dir(containerID, reportID), config.SubstitutionMapFile)
	reps, err := script.ReadSubstitutionMap(path)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to load cached outputs", err)
	}
	return reps, nil
}

// Invalidate drops the cached outputs of a report
func (c *ReportCache) Invalidate(containerID string, reportID int64) error {
	dir := c.Dir(containerID, reportID)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.urls, cacheKey(containerID, reportID))
	if err := os.RemoveAll(dir); err != nil {
		return apperrors.NewInfrastructureError("failed to delete report cache", err).WithContext("dir", dir)
	}
	c.logger.Debug("Invalidated report cache",
		slog.String("container", containerID),
		slog.Int64("report_id", reportID))
	return nil
}

// relativeTo rewrites file paths inside dir to bare names
func relativeTo(dir string, reps []*script.ParamReplacement) []*script.ParamReplacement {
	out := make([]*script.ParamReplacement, len(reps))
	for i, rep := range reps {
		cp := *rep
		cp.Files = make([]string, len(rep.Files))
		for j, f := range rep.Files {
			if rel, err := filepath.Rel(dir, f); err == nil {
				cp.Files[j] = rel
			} else {
				cp.Files[j] = f
			}
		}
		out[i] = &cp
	}
	return out
}

func cacheKey(containerID string, reportID int64) string {
	return containerID + "/" + strconv.FormatInt(reportID, 10)
}

func safeName(id string) string {
	return strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(id)
}
