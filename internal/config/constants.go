package config

import "time"

// Application constants
const (
	AppName = "LabKey Reports"

	// Script engine defaults
	DefaultConsoleFile = "script.Rout"
	DefaultRservePort  = 6311
	DefaultScriptFile  = "script"
	DefaultInputFile   = "input_data.tsv"

	// Working directory layout
	InteractiveDirName = "interactive"
	PipelineDirName    = "pipeline"
	DownloadsDirName   = "downloads"
	ReportDirPrefix    = "report_"

	// Downloads published by interactive runs are kept this long
	DownloadRetention = 24 * time.Hour

	// Cache files
	SubstitutionMapFile = "substitutionMap.txt"
	CachedURLFile       = "cachedUrl.txt"

	// Timeouts
	DefaultHTTPTimeout = 30 * time.Second
	RserveDialTimeout  = 10 * time.Second
)
