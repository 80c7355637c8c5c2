package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/engine"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/execution"
	"github.com/LabKey/platform-sub050/internal/exporter"
	"github.com/LabKey/platform-sub050/internal/files"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/script"
)

// Names the input file is registered under for the report's query
const (
	cliContainer = "cli"
	cliSchema    = "cli"
	cliQuery     = "input"
)

var (
	runInput  string
	runEngine string
	runOut    string
	runFormat string
	runParams []string
)

var runCmd = &cobra.Command{
	Use:   "run [script]",
	Short: "Run a report script and print its outputs",
	Long: `Runs one script the way the server runs a script report. The optional
--input TSV becomes the report's input data (${input_data}). Outputs are
printed as JSON records, or as the rendered HTML page with --format html.
With --out the produced files are copied to that directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "TSV file passed to the script as input data")
	runCmd.Flags().StringVarP(&runEngine, "engine", "e", "", "Engine name (defaults to the one registered for the script extension)")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "Directory to copy produced files to")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "json", "Output format: json or html")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Report parameter as name=value (repeatable)")
}

func runScript(cmd *cobra.Command, args []string) error {
	if runFormat != "json" && runFormat != "html" {
		return fmt.Errorf("unsupported format %q", runFormat)
	}
	params, err := parseParams(runParams)
	if err != nil {
		return err
	}

	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	paths, err := cfg.ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	engines, err := engine.NewManager(cfg.Scripting, logger)
	if err != nil {
		return err
	}
	defer engines.Close()

	queries := query.NewMemoryProvider()
	desc := descriptorFor(args[0], string(src), runEngine)
	if runInput != "" {
		header, records, err := exporter.ReadTSV(runInput)
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		queries.Register(cliSchema, cliQuery, tableFrom(header, records))
		desc.Set(report.PropSchemaName, cliSchema)
		desc.Set(report.PropQueryName, cliQuery)
	}

	fm := files.NewManager(paths, logger)
	runner := execution.NewRunner(engines, fm, nil, nil, logger)
	r, err := report.New(desc, report.Deps{Queries: queries, Executor: runner, Files: fm})
	if err != nil {
		return err
	}
	sr, ok := r.(report.ScriptReport)
	if !ok {
		return fmt.Errorf("%s is not a script report", args[0])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := &report.RunContext{
		ContainerID:   cliContainer,
		ContainerPath: "/",
		User:          os.Getenv("USER"),
		BaseURL:       cfg.Server.BaseURL,
		Params:        params,
	}

	if runFormat == "html" {
		views, err := runner.Render(ctx, sr, rc)
		if err != nil {
			return err
		}
		return script.RenderAll(cmd.OutOrStdout(), views)
	}
	return executeJSON(ctx, cmd.OutOrStdout(), runner, fm, sr, rc)
}

func executeJSON(ctx context.Context, w io.Writer, runner *execution.Runner, fm *files.Manager, sr report.ScriptReport, rc *report.RunContext) error {
	out, err := runner.Execute(ctx, sr, rc)
	if out != nil && out.WorkDir != "" {
		defer fm.DeleteDirectory(out.WorkDir)
	}

	var outputs []script.ScriptOutput
	switch {
	case err != nil && apperrors.IsScriptError(err):
		outputs = script.ErrorOutput(err)
	case err != nil:
		return err
	default:
		outputs = script.ScriptOutputs(out.Replacements)
		if runOut != "" {
			if err := copyOutputs(out.Replacements, runOut); err != nil {
				return err
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outputs); err != nil {
		return err
	}
	if len(outputs) == 1 && outputs[0].Type == script.KindError {
		return fmt.Errorf("script failed")
	}
	return nil
}

// copyOutputs copies every produced file into dir
func copyOutputs(replacements []*script.ParamReplacement, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, rep := range replacements {
		for _, file := range rep.ExistingFiles() {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read output %s: %w", file, err)
			}
			if err := os.WriteFile(filepath.Join(dir, filepath.Base(file)), data, 0644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
	}
	return nil
}

func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(raw))
	for _, p := range raw {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", p)
		}
		params[name] = value
	}
	return params, nil
}

func tableFrom(header []string, records [][]string) *query.Result {
	res := &query.Result{Columns: header, Rows: make([][]interface{}, len(records))}
	for i, rec := range records {
		row := make([]interface{}, len(rec))
		for j, v := range rec {
			row[j] = v
		}
		res.Rows[i] = row
	}
	return res
}
