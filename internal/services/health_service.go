package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/engine"
	"github.com/LabKey/platform-sub050/internal/operations"
	"github.com/LabKey/platform-sub050/pkg/contracts"
)

// Pinger is implemented by stores that can report their reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	buildTime string
	buildID   string
	paths     *config.Paths
	engines   *engine.Manager
	jobs      *operations.JobQueue
	stores    map[string]Pinger
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// SystemStats represents system statistics
type SystemStats struct {
	UptimeSeconds float64  `json:"uptime_seconds"`
	TempFiles     int      `json:"temp_files"`
	TempSizeBytes int64    `json:"temp_size_bytes"`
	QueuedJobs    int      `json:"queued_jobs"`
	ActiveJobs    int      `json:"active_jobs"`
	Engines       []string `json:"engines"`
	RSessions     int      `json:"r_sessions"`
	GoVersion     string   `json:"go_version"`
	OS            string   `json:"os"`
	Arch          string   `json:"arch"`
}

// HealthDeps are the components whose state the health service reports
type HealthDeps struct {
	Paths   *config.Paths
	Engines *engine.Manager
	Jobs    *operations.JobQueue
	Stores  map[string]Pinger
}

// NewHealthService creates a new health service
func NewHealthService(version, buildTime, buildID string, deps HealthDeps, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("HealthService initialized",
		slog.String("version", version),
		slog.String("build_time", buildTime),
		slog.String("build_id", buildID))

	return &HealthService{
		version:   version,
		buildTime: buildTime,
		buildID:   buildID,
		paths:     deps.Paths,
		engines:   deps.Engines,
		jobs:      deps.Jobs,
		stores:    deps.Stores,
		startTime: time.Now(),
		logger:    logger,
	}
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	hs.logger.DebugContext(ctx, "HealthCheck: performing health check",
		slog.String("uptime", time.Since(hs.startTime).String()))

	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// ReadinessCheck returns readiness status
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	status.Services["engines"] = hs.checkEngineHealth()
	status.Services["jobs"] = hs.checkJobHealth()
	status.Services["temp"] = hs.checkTempHealth()
	for name, store := range hs.stores {
		status.Services[name] = checkStoreHealth(ctx, store)
	}

	for _, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status != "ready" {
			status.Status = "not_ready"
			break
		}
	}

	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":      hs.version,
		"api_version":  contracts.APIVersion,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.Format(time.RFC3339),
		"current_time": time.Now().Format(time.RFC3339),
	}

	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	if hs.buildID != "" {
		result["build_id"] = hs.buildID
	}

	return result
}

// SystemStats returns system statistics
func (hs *HealthService) SystemStats(ctx context.Context) (SystemStats, error) {
	stats := SystemStats{
		UptimeSeconds: time.Since(hs.startTime).Seconds(),
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}

	if hs.paths != nil {
		filepath.Walk(hs.paths.TempDir, func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() {
				stats.TempFiles++
				stats.TempSizeBytes += info.Size()
			}
			return nil
		})
	}

	if hs.jobs != nil {
		qs := hs.jobs.GetQueueStats()
		stats.QueuedJobs, _ = qs["queue_size"].(int)
		stats.ActiveJobs, _ = qs["active_jobs"].(int)
	}

	if hs.engines != nil {
		stats.Engines = hs.engines.Names()
		if sm := hs.engines.Sessions(); sm != nil {
			stats.RSessions = len(sm.List())
		}
	}

	return stats, nil
}

func (hs *HealthService) checkEngineHealth() ServiceHealth {
	if hs.engines == nil || len(hs.engines.Names()) == 0 {
		return ServiceHealth{
			Status:  "not_ready",
			Message: "no script engines registered",
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("%d script engines registered", len(hs.engines.Names())),
	}
}

func (hs *HealthService) checkJobHealth() ServiceHealth {
	if hs.jobs == nil {
		return ServiceHealth{
			Status:  "ready",
			Message: "background jobs disabled",
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: "job queue is running",
		Uptime:  time.Since(hs.startTime).String(),
	}
}

// checkTempHealth verifies the temp root used for working directories is writable
func (hs *HealthService) checkTempHealth() ServiceHealth {
	if hs.paths == nil {
		return ServiceHealth{Status: "not_ready", Message: "paths not configured"}
	}

	tempDir := hs.paths.TempDir
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("Temp directory not found: %s", tempDir),
		}
	}

	probe, err := os.CreateTemp(tempDir, ".health-*")
	if err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("Cannot write to temp directory: %v", err),
		}
	}
	probe.Close()
	os.Remove(probe.Name())

	return ServiceHealth{
		Status:  "ready",
		Message: "Temp directory is writable",
	}
}

func checkStoreHealth(ctx context.Context, store Pinger) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("store unreachable: %v", err),
		}
	}
	return ServiceHealth{Status: "ready"}
}

// GetDetailedHealth returns comprehensive health information
func (hs *HealthService) GetDetailedHealth(ctx context.Context) map[string]interface{} {
	stats, _ := hs.SystemStats(ctx)

	return map[string]interface{}{
		"health":    hs.HealthCheck(ctx),
		"readiness": hs.ReadinessCheck(ctx),
		"liveness":  hs.LivenessCheck(ctx),
		"stats":     stats,
	}
}
