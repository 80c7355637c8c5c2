package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/engine"
)

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newHealthService(t *testing.T, stores map[string]Pinger) *HealthService {
	t.Helper()
	engines, err := engine.NewManager(config.ScriptingConfig{
		DefaultEngine: "sh",
		Engines: []config.EngineConfig{{
			Name: "sh", Kind: config.EngineExternal, Extensions: []string{"sh"},
			ExePath: "/bin/sh", ExeCommand: "%s", Enabled: true,
		}},
	}, nil)
	require.NoError(t, err)

	return NewHealthService("1.2.3", "2026-01-01", "abc", HealthDeps{
		Paths:   &config.Paths{TempDir: t.TempDir()},
		Engines: engines,
		Stores:  stores,
	}, nil)
}

func TestHealthCheck(t *testing.T) {
	hs := newHealthService(t, nil)
	status := hs.HealthCheck(context.Background())
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.2.3", status.Version)

	live := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", live.Status)
	assert.Contains(t, live.Runtime, "goroutines")

	v := hs.Version()
	assert.Equal(t, "abc", v["build_id"])
}

func TestReadinessCheck(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		want    string
	}{
		{name: "store reachable", want: "ready"},
		{name: "store down", pingErr: errors.New("disk I/O error"), want: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mockPinger)
			store.On("Ping", mock.Anything).Return(tt.pingErr)

			hs := newHealthService(t, map[string]Pinger{"reports_db": store})
			status := hs.ReadinessCheck(context.Background())
			assert.Equal(t, tt.want, status.Status)
			assert.Contains(t, status.Services, "engines")
			assert.Contains(t, status.Services, "temp")
			store.AssertExpectations(t)
		})
	}
}

func TestReadinessWithoutTempDir(t *testing.T) {
	hs := NewHealthService("1.0.0", "", "", HealthDeps{
		Paths: &config.Paths{TempDir: "/definitely/not/here"},
	}, nil)
	status := hs.ReadinessCheck(context.Background())
	assert.Equal(t, "not_ready", status.Status)
}

func TestSystemStats(t *testing.T) {
	hs := newHealthService(t, nil)
	stats, err := hs.SystemStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sh"}, stats.Engines)
	assert.Zero(t, stats.TempFiles)

	detailed := hs.GetDetailedHealth(context.Background())
	assert.Contains(t, detailed, "readiness")
	assert.Contains(t, detailed, "stats")
}
