package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestReportMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := CreateReportMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordExecution(ctx, "R", "ReportService.rReport", 150*time.Millisecond, nil)
	m.RecordExecution(ctx, "R", "ReportService.rReport", time.Second, errors.New("exit 1"))
	m.RecordCache(ctx, true)
	m.RecordCache(ctx, false)
	m.RecordActive(ctx, 1, "R")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		byName[metric.Name] = metric
	}

	executions, ok := byName["report_executions_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range executions.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)
	assert.Contains(t, byName, "report_cache_hits_total")
	assert.Contains(t, byName, "report_cache_misses_total")
	assert.Contains(t, byName, "report_execution_duration_seconds")
}

func TestNilReportMetrics(t *testing.T) {
	var m *ReportMetrics
	assert.NotPanics(t, func() {
		m.RecordExecution(context.Background(), "R", "x", time.Second, nil)
		m.RecordCache(context.Background(), true)
		m.RecordActive(context.Background(), 1, "R")
	})
	assert.NotNil(t, NoopReportMetrics())
}

func TestInitializeOTelWithoutExporters(t *testing.T) {
	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    "test",
		ServiceVersion: "0",
		TraceExporter:  "none",
	}, nil)
	require.NoError(t, err)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.Meter)
	assert.Nil(t, providers.PrometheusHTTP)
	require.NoError(t, providers.Shutdown(context.Background()))

	_, err = InitializeOTel(&OTelConfig{ServiceName: "test", TraceExporter: "zipkin"}, nil)
	assert.Error(t, err)
}
