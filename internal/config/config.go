package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" envconfig:"SERVER"`
	Security      SecurityConfig      `yaml:"security" envconfig:"SECURITY"`
	Logging       LoggingConfig       `yaml:"logging" envconfig:"LOGGING"`
	Paths         PathsConfig         `yaml:"paths" envconfig:"PATHS"`
	Scripting     ScriptingConfig     `yaml:"scripting" envconfig:"SCRIPTING"`
	Reports       ReportsConfig       `yaml:"reports" envconfig:"REPORTS"`
	Settings      SettingsConfig      `yaml:"settings" envconfig:"SETTINGS"`
	Jobs          JobsConfig          `yaml:"jobs" envconfig:"JOBS"`
	Observability ObservabilityConfig `yaml:"observability" envconfig:"OBSERVABILITY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"5m" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"5m"`
	BaseURL         string        `yaml:"base_url" envconfig:"BASE_URL" default:"http://localhost:8080"`
}

// SecurityConfig contains request throttling configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`

	// APIKeys maps an API key to the user it authenticates. Empty disables key checks.
	APIKeys map[string]string `yaml:"api_keys" envconfig:"API_KEYS"`

	// AllowedOrigins enables CORS for the listed origins
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json" validate:"oneof=json text"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"console" validate:"oneof=console file both"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/reports.log"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// PathsConfig contains file system paths configuration.
// Relative paths are resolved against BaseDir, or the executable directory when BaseDir is empty.
type PathsConfig struct {
	BaseDir  string `yaml:"base_dir" envconfig:"BASE_DIR"`
	DataDir  string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	TempDir  string `yaml:"temp_dir" envconfig:"TEMP_DIR" default:"data/temp"`
	CacheDir string `yaml:"cache_dir" envconfig:"CACHE_DIR" default:"data/cache"`
	QueryDir string `yaml:"query_dir" envconfig:"QUERY_DIR" default:"data/queries"`
	LogsDir  string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// ScriptingConfig lists the configured script engines
type ScriptingConfig struct {
	DefaultEngine string         `yaml:"default_engine" envconfig:"DEFAULT_ENGINE" default:"R"`
	Engines       []EngineConfig `yaml:"engines" ignored:"true" validate:"dive"`
}

// EngineKind selects an execution backend
type EngineKind string

const (
	EngineExternal EngineKind = "external"
	EngineEmbedded EngineKind = "embedded"
	EngineRemote   EngineKind = "remote"
)

// EngineConfig describes one script engine definition
type EngineConfig struct {
	Name       string     `yaml:"name" validate:"required"`
	Kind       EngineKind `yaml:"kind" validate:"oneof=external embedded remote"`
	Language   string     `yaml:"language"`
	Extensions []string   `yaml:"extensions"`
	ExePath    string     `yaml:"exe_path"`
	ExeCommand string     `yaml:"exe_command"`
	OutputFile string     `yaml:"output_file"`
	Host       string     `yaml:"host"`
	Port       int        `yaml:"port" validate:"min=0,max=65535"`
	User       string     `yaml:"user"`
	Password   string     `yaml:"password"`
	Sandboxed  bool       `yaml:"sandboxed"`
	Enabled    bool       `yaml:"enabled"`
}

// ReportsConfig controls report rendering and caching
type ReportsConfig struct {
	CacheEnabled  bool     `yaml:"cache_enabled" envconfig:"CACHE_ENABLED" default:"true"`
	ControlParams []string `yaml:"control_params" envconfig:"CONTROL_PARAMS" default:"_dc,tabId,tab,cacheKey"`
	StoreDriver   string   `yaml:"store_driver" envconfig:"STORE_DRIVER" default:"memory" validate:"oneof=memory sqlite"`
	StoreDSN      string   `yaml:"store_dsn" envconfig:"STORE_DSN" default:"data/reports.db"`
}

// SettingsConfig selects the property store backend
type SettingsConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER" default:"memory" validate:"oneof=memory sqlite"`
	DSN    string `yaml:"dsn" envconfig:"DSN" default:"data/settings.db"`

	// Values of these categories are stored encrypted with EncryptionKey
	EncryptedCategories []string `yaml:"encrypted_categories" envconfig:"ENCRYPTED_CATEGORIES"`
	EncryptionKey       string   `yaml:"-" envconfig:"ENCRYPTION_KEY" validate:"required_with=EncryptedCategories"`
}

// JobsConfig configures the background report queue
type JobsConfig struct {
	Workers     int           `yaml:"workers" envconfig:"WORKERS" default:"2" validate:"min=1"`
	QueueSize   int           `yaml:"queue_size" envconfig:"QUEUE_SIZE" default:"100" validate:"min=1"`
	StopTimeout time.Duration `yaml:"stop_timeout" envconfig:"STOP_TIMEOUT" default:"30s"`
	Retention   time.Duration `yaml:"retention" envconfig:"RETENTION" default:"168h"`
	StoreDriver string        `yaml:"store_driver" envconfig:"STORE_DRIVER" default:"memory" validate:"oneof=memory sqlite"`
	StoreDSN    string        `yaml:"store_dsn" envconfig:"STORE_DSN" default:"data/jobs.db"`
}

// ObservabilityConfig configures tracing and metrics
type ObservabilityConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME" default:"labkey-reports"`
	TracesExporter string `yaml:"traces_exporter" envconfig:"TRACES_EXPORTER" default:"none" validate:"oneof=none stdout"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
}

// EnvPrefix is the namespace for environment overrides
const EnvPrefix = "REPORTS"

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if len(cfg.Scripting.Engines) == 0 {
		cfg.Scripting.Engines = DefaultEngines()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs overlays file values onto env values for every field the
// environment left at its default. Engine definitions only come from files.
func mergeConfigs(fileConfig, envConfig Config) Config {
	def := Default()

	if fileConfig.Server.Port != 0 && envConfig.Server.Port == def.Server.Port {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if fileConfig.Server.BaseURL != "" && envConfig.Server.BaseURL == def.Server.BaseURL {
		envConfig.Server.BaseURL = fileConfig.Server.BaseURL
	}
	if fileConfig.Logging.Level != "" && envConfig.Logging.Level == def.Logging.Level {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if fileConfig.Logging.Format != "" && envConfig.Logging.Format == def.Logging.Format {
		envConfig.Logging.Format = fileConfig.Logging.Format
	}
	if fileConfig.Logging.Output != "" && envConfig.Logging.Output == def.Logging.Output {
		envConfig.Logging.Output = fileConfig.Logging.Output
	}
	if fileConfig.Paths.BaseDir != "" && envConfig.Paths.BaseDir == "" {
		envConfig.Paths.BaseDir = fileConfig.Paths.BaseDir
	}
	if fileConfig.Paths.TempDir != "" && envConfig.Paths.TempDir == def.Paths.TempDir {
		envConfig.Paths.TempDir = fileConfig.Paths.TempDir
	}
	if fileConfig.Paths.CacheDir != "" && envConfig.Paths.CacheDir == def.Paths.CacheDir {
		envConfig.Paths.CacheDir = fileConfig.Paths.CacheDir
	}
	if fileConfig.Paths.QueryDir != "" && envConfig.Paths.QueryDir == def.Paths.QueryDir {
		envConfig.Paths.QueryDir = fileConfig.Paths.QueryDir
	}
	if fileConfig.Scripting.DefaultEngine != "" && envConfig.Scripting.DefaultEngine == def.Scripting.DefaultEngine {
		envConfig.Scripting.DefaultEngine = fileConfig.Scripting.DefaultEngine
	}
	if len(fileConfig.Scripting.Engines) > 0 {
		envConfig.Scripting.Engines = fileConfig.Scripting.Engines
	}
	if len(fileConfig.Reports.ControlParams) > 0 {
		envConfig.Reports.ControlParams = fileConfig.Reports.ControlParams
	}
	if fileConfig.Settings.Driver != "" && envConfig.Settings.Driver == def.Settings.Driver {
		envConfig.Settings.Driver = fileConfig.Settings.Driver
		envConfig.Settings.DSN = fileConfig.Settings.DSN
	}
	if len(fileConfig.Settings.EncryptedCategories) > 0 && len(envConfig.Settings.EncryptedCategories) == 0 {
		envConfig.Settings.EncryptedCategories = fileConfig.Settings.EncryptedCategories
	}
	if fileConfig.Reports.StoreDriver != "" && envConfig.Reports.StoreDriver == def.Reports.StoreDriver {
		envConfig.Reports.StoreDriver = fileConfig.Reports.StoreDriver
		if fileConfig.Reports.StoreDSN != "" {
			envConfig.Reports.StoreDSN = fileConfig.Reports.StoreDSN
		}
	}
	if fileConfig.Jobs.Workers != 0 && envConfig.Jobs.Workers == def.Jobs.Workers {
		envConfig.Jobs.Workers = fileConfig.Jobs.Workers
	}
	if fileConfig.Jobs.Retention != 0 && envConfig.Jobs.Retention == def.Jobs.Retention {
		envConfig.Jobs.Retention = fileConfig.Jobs.Retention
	}
	if fileConfig.Jobs.StoreDriver != "" && envConfig.Jobs.StoreDriver == def.Jobs.StoreDriver {
		envConfig.Jobs.StoreDriver = fileConfig.Jobs.StoreDriver
		if fileConfig.Jobs.StoreDSN != "" {
			envConfig.Jobs.StoreDSN = fileConfig.Jobs.StoreDSN
		}
	}
	if len(fileConfig.Security.APIKeys) > 0 && len(envConfig.Security.APIKeys) == 0 {
		envConfig.Security.APIKeys = fileConfig.Security.APIKeys
	}
	if len(fileConfig.Security.AllowedOrigins) > 0 && len(envConfig.Security.AllowedOrigins) == 0 {
		envConfig.Security.AllowedOrigins = fileConfig.Security.AllowedOrigins
	}

	return envConfig
}

var validate = validator.New()

// validate validates the configuration
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Scripting.Engines))
	for _, e := range c.Scripting.Engines {
		key := strings.ToLower(e.Name)
		if seen[key] {
			return fmt.Errorf("duplicate engine definition: %s", e.Name)
		}
		seen[key] = true

		switch e.Kind {
		case EngineExternal:
			if e.ExePath == "" {
				return fmt.Errorf("engine %s: exe_path is required for external engines", e.Name)
			}
			if strings.Count(e.ExeCommand, "%s") > 1 {
				return fmt.Errorf("engine %s: exe_command may contain at most one %%s", e.Name)
			}
		case EngineRemote:
			if e.Enabled && e.Host == "" {
				return fmt.Errorf("engine %s: host is required for remote engines", e.Name)
			}
		}
	}

	return nil
}

// Engine returns the engine definition with the given name
func (c *Config) Engine(name string) (EngineConfig, bool) {
	for _, e := range c.Scripting.Engines {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return EngineConfig{}, false
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// DefaultEngines returns the built-in engine definitions
func DefaultEngines() []EngineConfig {
	return []EngineConfig{
		{
			Name:       "R",
			Kind:       EngineExternal,
			Language:   "R",
			Extensions: []string{"r", "R"},
			ExePath:    "Rscript",
			ExeCommand: "--vanilla %s",
			OutputFile: DefaultConsoleFile,
			Enabled:    true,
		},
		{
			Name:       "go",
			Kind:       EngineEmbedded,
			Language:   "go",
			Extensions: []string{"go", "gos"},
			OutputFile: DefaultConsoleFile,
			Sandboxed:  true,
			Enabled:    true,
		},
		{
			Name:     "Rserve",
			Kind:     EngineRemote,
			Language: "R",
			Host:     "127.0.0.1",
			Port:     DefaultRservePort,
			Enabled:  false,
		},
	}
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  5 * time.Minute,
			BaseURL:         "http://localhost:8080",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/reports.log",
		},
		Paths: PathsConfig{
			DataDir:  "data",
			TempDir:  "data/temp",
			CacheDir: "data/cache",
			QueryDir: "data/queries",
			LogsDir:  "logs",
		},
		Scripting: ScriptingConfig{
			DefaultEngine: "R",
			Engines:       DefaultEngines(),
		},
		Reports: ReportsConfig{
			CacheEnabled:  true,
			ControlParams: []string{"_dc", "tabId", "tab", "cacheKey"},
			StoreDriver:   "memory",
			StoreDSN:      "data/reports.db",
		},
		Settings: SettingsConfig{
			Driver: "memory",
			DSN:    "data/settings.db",
		},
		Jobs: JobsConfig{
			Workers:     2,
			QueueSize:   100,
			StopTimeout: 30 * time.Second,
			Retention:   7 * 24 * time.Hour,
			StoreDriver: "memory",
			StoreDSN:    "data/jobs.db",
		},
		Observability: ObservabilityConfig{
			ServiceName:    "labkey-reports",
			TracesExporter: "none",
			MetricsEnabled: true,
		},
	}
}
