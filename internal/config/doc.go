// Package config provides centralized configuration management for the report service.
// It handles loading configuration from multiple sources, validation, and provides
// a type-safe API for accessing configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration file (YAML, REPORTS_CONFIG or ./config.yaml)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern REPORTS_* for namespacing:
//
//	REPORTS_SERVER_PORT=8080
//	REPORTS_LOGGING_LEVEL=debug
//	REPORTS_PATHS_TEMP_DIR=/var/tmp/reports
//	REPORTS_SETTINGS_DRIVER=sqlite
//
// # Script Engines
//
// Engine definitions are only read from the configuration file:
//
//	scripting:
//	  default_engine: R
//	  engines:
//	    - name: R
//	      kind: external
//	      extensions: [r, R]
//	      exe_path: /usr/bin/Rscript
//	      exe_command: "--vanilla %s"
//	    - name: Rserve
//	      kind: remote
//	      host: 10.0.0.5
//	      port: 6311
//	      enabled: true
//
// When no engines are configured the built-in definitions from DefaultEngines are used.
package config
