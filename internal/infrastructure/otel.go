package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/pkg/contracts"
)

// MeterName scopes the tracer and meter of the report service
const MeterName = "github.com/LabKey/platform-sub050/reports"

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	TraceExporter  string // "stdout" or "none"
	EnableMetrics  bool
	SampleRatio    float64
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// OTelConfigFrom converts the observability section of the application config
func OTelConfigFrom(cfg config.ObservabilityConfig) *OTelConfig {
	return &OTelConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: contracts.Version,
		TraceExporter:  cfg.TracesExporter,
		EnableMetrics:  cfg.MetricsEnabled,
		SampleRatio:    1.0,
	}
}

// InitializeOTel initializes tracing and metrics.
// Disabled signals fall back to no-op tracer and meter so callers never nil-check.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = OTelConfigFrom(config.Default().Observability)
	}
	if logger == nil {
		logger = GetLogger()
	}

	ctx := context.Background()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("service.instance.id", generateInstanceID()),
	)

	providers := &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(MeterName),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}

	if err := initializeTracing(ctx, cfg, res, providers); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.EnableMetrics {
		if err := initializeMetrics(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "OpenTelemetry initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("traces_exporter", cfg.TraceExporter),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	return providers, nil
}

// initializeTracing sets up OpenTelemetry tracing
func initializeTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "Tracing initialized", slog.String("exporter", cfg.TraceExporter))
	return nil
}

// initializeMetrics sets up the Prometheus-backed meter provider
func initializeMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	providers.PrometheusHTTP = promhttp.Handler()
	providers.MeterProvider = mp
	providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	otel.SetMeterProvider(mp)

	providers.Logger.InfoContext(ctx, "Metrics initialized", slog.String("exporter", "prometheus"))
	return nil
}

// ReportMetrics holds the report execution instruments
type ReportMetrics struct {
	ExecutionsTotal   metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	ActiveExecutions  metric.Int64UpDownCounter
	ValidationErrors  metric.Int64Counter
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	JobsSubmitted     metric.Int64Counter
	SettingsCacheHits metric.Int64Counter
}

// CreateReportMetrics creates the report pipeline instruments
func CreateReportMetrics(meter metric.Meter) (*ReportMetrics, error) {
	var (
		m   ReportMetrics
		err error
	)

	if m.ExecutionsTotal, err = meter.Int64Counter(
		"report_executions_total",
		metric.WithDescription("Total number of script report executions"),
	); err != nil {
		return nil, err
	}

	if m.ExecutionDuration, err = meter.Float64Histogram(
		"report_execution_duration_seconds",
		metric.WithDescription("Script report execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ActiveExecutions, err = meter.Int64UpDownCounter(
		"report_active_executions",
		metric.WithDescription("Number of script executions in progress"),
	); err != nil {
		return nil, err
	}

	if m.ValidationErrors, err = meter.Int64Counter(
		"report_validation_errors_total",
		metric.WithDescription("Scripts rejected before execution"),
	); err != nil {
		return nil, err
	}

	if m.CacheHits, err = meter.Int64Counter(
		"report_cache_hits_total",
		metric.WithDescription("Report renders served from the output cache"),
	); err != nil {
		return nil, err
	}

	if m.CacheMisses, err = meter.Int64Counter(
		"report_cache_misses_total",
		metric.WithDescription("Cached reports that had to be re-executed"),
	); err != nil {
		return nil, err
	}

	if m.JobsSubmitted, err = meter.Int64Counter(
		"report_jobs_submitted_total",
		metric.WithDescription("Reports dispatched to the background queue"),
	); err != nil {
		return nil, err
	}

	if m.SettingsCacheHits, err = meter.Int64Counter(
		"folder_settings_cache_hits_total",
		metric.WithDescription("Folder settings served from cache"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// NoopReportMetrics returns instruments that record nothing
func NoopReportMetrics() *ReportMetrics {
	m, _ := CreateReportMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// RecordExecution records one finished script execution
func (m *ReportMetrics) RecordExecution(ctx context.Context, engine, reportType string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("report.type", reportType),
		attribute.String("status", status),
	)

	m.ExecutionsTotal.Add(ctx, 1, attrs)
	m.ExecutionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordActive adjusts the in-flight execution gauge
func (m *ReportMetrics) RecordActive(ctx context.Context, delta int64, engine string) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Add(ctx, delta, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordCache records a cache lookup outcome
func (m *ReportMetrics) RecordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
	} else {
		m.CacheMisses.Add(ctx, 1)
	}
}

// RecordValidationError counts a script rejected before it ran
func (m *ReportMetrics) RecordValidationError(ctx context.Context, reportType string) {
	if m == nil {
		return
	}
	m.ValidationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("report.type", reportType)))
}

// RecordJobSubmitted counts a report dispatched to the background queue
func (m *ReportMetrics) RecordJobSubmitted(ctx context.Context, reportType string) {
	if m == nil {
		return
	}
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("report.type", reportType)))
}

// Shutdown flushes and stops the providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}

	p.Logger.InfoContext(ctx, "OpenTelemetry shutdown complete")
	return nil
}

// generateInstanceID generates a unique instance identifier
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
