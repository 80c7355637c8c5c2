package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LabKey/platform-sub050/internal/cache"
	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/container"
	"github.com/LabKey/platform-sub050/internal/engine"
	"github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/execution"
	"github.com/LabKey/platform-sub050/internal/files"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
	customMiddleware "github.com/LabKey/platform-sub050/internal/middleware"
	"github.com/LabKey/platform-sub050/internal/operations"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/services"
	"github.com/LabKey/platform-sub050/internal/settings"
	handlers "github.com/LabKey/platform-sub050/internal/transport/http"
	"github.com/LabKey/platform-sub050/internal/websocket"
	"github.com/LabKey/platform-sub050/pkg/contracts"
)

const AppName = config.AppName

// BuildID is a short stable identifier for this binary
var BuildID = generateBuildID()

func generateBuildID() string {
	build := contracts.Build()
	h := sha256.New()
	h.Write([]byte(build.Version))
	h.Write([]byte(build.GitCommit))
	h.Write([]byte(build.BuildTime))
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// DefaultProjects are created under the root when the service starts
var DefaultProjects = []string{"home", "Shared"}

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.ReportMetrics
	Services      *ServiceContainer
	JobQueue      *operations.JobQueue
	Engines       *engine.Manager
	WebSocketHub  *websocket.Hub

	errorHandler *errors.ErrorHandler
	closers      []io.Closer
}

// ServiceContainer holds all application services
type ServiceContainer struct {
	Tree     *container.Tree
	Settings *settings.Manager
	Reports  *services.ReportService
	Admin    *services.SettingsService
	Health   *services.HealthService
}

// NewApplication loads configuration and builds the application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(cfg, logger)
}

// New builds an application from an already loaded configuration
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version))

	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	logger.Info("Ensuring required directories exist")
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Observability), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.CreateReportMetrics(otelProviders.Meter)
	if err != nil {
		logger.Warn("Failed to create report metrics", slog.String("error", err.Error()))
		metrics = infrastructure.NoopReportMetrics()
	}

	app := &Application{
		Config:        cfg,
		Paths:         paths,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
		errorHandler:  errors.NewErrorHandler(logger, cfg.Logging.Development),
	}

	if err := app.initializeServices(); err != nil {
		app.closeStores()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices wires stores, engines, the job queue and services
func (a *Application) initializeServices() error {
	cfg := a.Config
	stores := make(map[string]services.Pinger)

	tree := container.NewTree(a.Logger)
	for _, name := range DefaultProjects {
		if _, err := tree.Create(container.RootID, name); err != nil {
			return fmt.Errorf("failed to create project %s: %w", name, err)
		}
	}

	var propStore settings.PropertyStore = settings.NewMemoryStore()
	if cfg.Settings.Driver == "sqlite" {
		s, err := settings.NewSQLStore(a.Paths.Resolve(cfg.Settings.DSN))
		if err != nil {
			return fmt.Errorf("failed to open settings store: %w", err)
		}
		a.closers = append(a.closers, s)
		stores["settings_store"] = s
		propStore = s
	}
	if len(cfg.Settings.EncryptedCategories) > 0 {
		enc, err := settings.NewEncryptedStore(propStore, cfg.Settings.EncryptionKey, cfg.Settings.EncryptedCategories)
		if err != nil {
			return fmt.Errorf("failed to open encrypted settings: %w", err)
		}
		propStore = enc
	}
	settingsManager := settings.NewManager(propStore, tree, a.Metrics, a.Logger)

	var reportStore report.Store = report.NewMemoryStore()
	if cfg.Reports.StoreDriver == "sqlite" {
		s, err := report.NewSQLDescriptorStore(a.Paths.Resolve(cfg.Reports.StoreDSN))
		if err != nil {
			return fmt.Errorf("failed to open report store: %w", err)
		}
		a.closers = append(a.closers, s)
		stores["report_store"] = s
		reportStore = s
	}

	var jobStore operations.JobStore = operations.NewMemoryJobStore()
	if cfg.Jobs.StoreDriver == "sqlite" {
		s, err := operations.NewSQLJobStore(a.Paths.Resolve(cfg.Jobs.StoreDSN))
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		a.closers = append(a.closers, s)
		stores["job_store"] = s
		jobStore = s
	}

	engines, err := engine.NewManager(cfg.Scripting, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize script engines: %w", err)
	}
	a.Engines = engines

	fm := files.NewManager(a.Paths, a.Logger)
	var reportCache *cache.ReportCache
	if cfg.Reports.CacheEnabled {
		reportCache = cache.NewReportCache(a.Paths.CacheDir, cfg.Reports.ControlParams, a.Metrics, a.Logger)
	}

	var reportService *services.ReportService
	a.JobQueue = operations.NewJobQueue(cfg.Jobs.Workers, cfg.Jobs.QueueSize, jobStore,
		func(ctx context.Context, job *operations.Job) (*operations.JobResult, error) {
			return reportService.RunJob(ctx, job)
		}, a.Logger)
	a.JobQueue.SetRetention(cfg.Jobs.Retention, time.Hour)

	a.WebSocketHub = websocket.NewHub(a.Logger)
	a.JobQueue.OnUpdate(a.WebSocketHub.BroadcastJob)

	reportService = services.NewReportService(services.ReportServiceDeps{
		Store:    reportStore,
		Queries:  query.NewFileProvider(a.Paths.QueryDir),
		Runner:   execution.NewRunner(engines, fm, reportCache, a.Metrics, a.Logger),
		Cache:    reportCache,
		Files:    fm,
		Jobs:     a.JobQueue,
		Settings: settingsManager,
		Tree:     tree,
		Sessions: engines.Sessions(),
		Metrics:  a.Metrics,
		BaseURL:  cfg.Server.BaseURL,
	}, a.Logger)

	healthService := services.NewHealthService(contracts.Version, contracts.Build().BuildTime, BuildID, services.HealthDeps{
		Paths:   a.Paths,
		Engines: engines,
		Jobs:    a.JobQueue,
		Stores:  stores,
	}, a.Logger)

	a.Services = &ServiceContainer{
		Tree:     tree,
		Settings: settingsManager,
		Reports:  reportService,
		Admin:    services.NewSettingsService(tree, settingsManager, a.Logger),
		Health:   healthService,
	}

	return nil
}

// setupRouter configures the HTTP router with all routes.
// Middleware order: RequestID → RealIP → OTel → Logger → Recoverer → SecurityHeaders → CORS,
// then per route group Timeout → Auth → RateLimiter
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(errors.RecoveryMiddleware(a.errorHandler))
	r.Use(customMiddleware.SecurityHeaders)

	if len(a.Config.Security.AllowedOrigins) > 0 {
		r.Use(customMiddleware.CORS(a.getCORSConfig()))
	}

	r.NotFound(a.errorHandler.NotFound)
	r.MethodNotAllowed(a.errorHandler.MethodNotAllowed)

	a.setupAPIRoutes(r)

	// Prometheus metrics endpoint
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	validator := customMiddleware.NewValidationMiddleware(a.Logger, a.errorHandler)

	r.Route("/api", func(r chi.Router) {
		// Probes stay reachable without credentials and without throttling
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))

			healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
			r.Mount("/health", healthHandler.Routes())
			r.Get("/version", healthHandler.Version)
		})

		// Job status stream; long lived, so no timeout or compression
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.APIKeyAuth(a.Logger, a.Config.Security.APIKeys))
			r.Get("/ws/jobs", websocket.Handler(a.WebSocketHub, a.Config.Security.AllowedOrigins))
		})

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))
			r.Use(customMiddleware.APIKeyAuth(a.Logger, a.Config.Security.APIKeys))
			if a.Config.Security.RateLimit.Enabled {
				r.Use(customMiddleware.NewRateLimiter(
					a.Config.Security.RateLimit.RPS,
					a.Config.Security.RateLimit.Burst,
					a.Logger,
				).Handler)
			}
			r.Use(customMiddleware.Compress(5))
			r.Use(validator.ValidateRequest)

			reportHandler := handlers.NewReportHandler(a.Services.Reports, validator, a.errorHandler, a.Logger)
			r.Mount("/reports", reportHandler.Routes())

			jobHandler := handlers.NewJobHandler(a.Services.Reports, a.errorHandler, a.Logger)
			r.Mount("/jobs", jobHandler.Routes())
			r.Mount("/rsessions", jobHandler.SessionRoutes())

			settingsHandler := handlers.NewSettingsHandler(a.Services.Admin, validator, a.errorHandler, a.Logger)
			r.Mount("/containers", settingsHandler.Routes())
		})
	})
}

// getCORSConfig returns the CORS policy for the configured origins
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	cfg := customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"X-Request-ID",
			"X-Requested-With",
			customMiddleware.APIKeyHeader,
			customMiddleware.UserHeader,
		},
		ExposedHeaders: []string{
			"X-Request-ID",
			"Location",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}
	a.Logger.Info("CORS enabled", slog.Any("allowed_origins", cfg.AllowedOrigins))
	return cfg
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start starts the job queue and the HTTP server
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level))

	a.Logger.InfoContext(ctx, "Application paths",
		slog.String("base_dir", a.Paths.BaseDir),
		slog.String("temp_dir", a.Paths.TempDir),
		slog.String("cache_dir", a.Paths.CacheDir),
		slog.String("query_dir", a.Paths.QueryDir),
		slog.String("logs_dir", a.Paths.LogsDir),
		slog.Any("engines", a.Engines.Names()))

	a.WebSocketHub.Start()
	a.JobQueue.Start(ctx)

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings", slog.String("warnings", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", a.Config.Server.BaseURL))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown error: %w", err)
	}

	if a.JobQueue != nil {
		a.Logger.InfoContext(ctx, "Stopping job queue")
		if err := a.JobQueue.Stop(a.Config.Jobs.StopTimeout); err != nil {
			a.Logger.ErrorContext(ctx, "Failed to stop job queue gracefully", slog.String("error", err.Error()))
		}
	}

	if a.WebSocketHub != nil {
		a.WebSocketHub.Stop()
	}

	if a.Engines != nil {
		if err := a.Engines.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing R sessions", slog.String("error", err.Error()))
		}
	}

	a.closeStores()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	if err := infrastructure.CloseLogFile(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("log file close error: %w", err)
	}
	return shutdownErr
}

func (a *Application) closeStores() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Logger.Error("Error closing store", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "Server stopped")
	}

	return a.Stop(ctx)
}

// performStartupHealthCheck verifies the working directories are writable
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	var warnings []string

	directories := map[string]string{
		"Data":  a.Paths.DataDir,
		"Temp":  a.Paths.TempDir,
		"Cache": a.Paths.CacheDir,
		"Logs":  a.Paths.LogsDir,
	}
	for name, dir := range directories {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s directory not writable: %s", name, dir))
		} else {
			os.Remove(testFile)
		}
	}

	if !config.FileExists(a.Paths.QueryDir) {
		warnings = append(warnings, fmt.Sprintf("Query directory not found: %s", a.Paths.QueryDir))
	}

	for _, name := range a.Engines.Names() {
		if _, err := a.Engines.Get(name); err != nil {
			warnings = append(warnings, fmt.Sprintf("engine %s unavailable: %v", name, err))
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("startup health check warnings: %s", strings.Join(warnings, "; "))
	}

	a.Logger.InfoContext(ctx, "Startup health check passed")
	return nil
}
