package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no env vars",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "json", cfg.Logging.Format)
				assert.Equal(t, "data/temp", cfg.Paths.TempDir)
				assert.Equal(t, []string{"_dc", "tabId", "tab", "cacheKey"}, cfg.Reports.ControlParams)
				assert.Equal(t, "memory", cfg.Settings.Driver)
				assert.Equal(t, 2, cfg.Jobs.Workers)
				require.Len(t, cfg.Scripting.Engines, 3)
				r, ok := cfg.Engine("r")
				require.True(t, ok)
				assert.Equal(t, "Rscript", r.ExePath)
				assert.Equal(t, "--vanilla %s", r.ExeCommand)
			},
		},
		{
			name: "env overrides",
			env: map[string]string{
				"REPORTS_SERVER_PORT":     "9090",
				"REPORTS_LOGGING_LEVEL":   "debug",
				"REPORTS_SETTINGS_DRIVER": "sqlite",
				"REPORTS_JOBS_WORKERS":    "4",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "sqlite", cfg.Settings.Driver)
				assert.Equal(t, 4, cfg.Jobs.Workers)
			},
		},
		{
			name: "logging, jobs and encrypted settings from file",
			env:  map[string]string{"REPORTS_SETTINGS_ENCRYPTION_KEY": "passphrase"},
			file: `
logging:
  format: text
jobs:
  retention: 24h
settings:
  encrypted_categories: [Credentials]
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "text", cfg.Logging.Format)
				assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
				assert.Equal(t, []string{"Credentials"}, cfg.Settings.EncryptedCategories)
				assert.Equal(t, "passphrase", cfg.Settings.EncryptionKey)
			},
		},
		{
			name: "encrypted categories without key",
			file: `
settings:
  encrypted_categories: [Credentials]
`,
			wantErr: true,
		},
		{
			name:    "unknown log format",
			env:     map[string]string{"REPORTS_LOGGING_FORMAT": "xml"},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			env:     map[string]string{"REPORTS_LOGGING_LEVEL": "verbose"},
			wantErr: true,
		},
		{
			name: "engines from file",
			file: `
scripting:
  default_engine: python
  engines:
    - name: python
      kind: external
      extensions: [py]
      exe_path: /usr/bin/python3
      exe_command: "-u %s"
      enabled: true
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "python", cfg.Scripting.DefaultEngine)
				require.Len(t, cfg.Scripting.Engines, 1)
				assert.Equal(t, EngineExternal, cfg.Scripting.Engines[0].Kind)
				assert.Equal(t, []string{"py"}, cfg.Scripting.Engines[0].Extensions)
			},
		},
		{
			name: "external engine without exe path",
			file: `
scripting:
  engines:
    - name: broken
      kind: external
`,
			wantErr: true,
		},
		{
			name: "duplicate engine names",
			file: `
scripting:
  engines:
    - name: R
      kind: embedded
    - name: r
      kind: embedded
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if tt.file != "" {
				path := filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0644))
				t.Setenv("REPORTS_CONFIG", path)
			} else {
				t.Setenv("REPORTS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
			}

			cfg, err := Load()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, "R", cfg.Scripting.DefaultEngine)
	assert.True(t, cfg.Reports.CacheEnabled)

	_, ok := cfg.Engine("missing")
	assert.False(t, ok)
}

func TestResolvePaths(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.BaseDir = base
	cfg.Paths.CacheDir = filepath.Join(base, "elsewhere")

	paths, err := cfg.ResolvePaths()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "data", "temp"), paths.TempDir)
	assert.Equal(t, filepath.Join(base, "elsewhere"), paths.CacheDir)
	assert.Equal(t, filepath.Join(base, "x.db"), paths.Resolve("x.db"))
	assert.Equal(t, "/abs/x.db", paths.Resolve("/abs/x.db"))

	require.NoError(t, paths.EnsureDirectories())
	for _, dir := range []string{paths.DataDir, paths.TempDir, paths.CacheDir, paths.QueryDir, paths.LogsDir} {
		assert.DirExists(t, dir)
	}
	assert.True(t, FileExists(paths.TempDir))
	assert.False(t, FileExists(filepath.Join(base, "nope")))
}
