package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/LabKey/platform-sub050/internal/report"
	"github.com/LabKey/platform-sub050/internal/script"
)

var validateCmd = &cobra.Command{
	Use:   "validate [script...]",
	Short: "Check scripts for unknown or malformed substitution tokens",
	Long: `Runs the validation gate over each script file and prints its state.
Exits non-zero when any script is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	invalid := 0

	for _, path := range args {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		r, err := report.New(descriptorFor(path, string(src), ""), report.Deps{})
		if err != nil {
			return err
		}
		var extra []string
		if sr, ok := r.(report.ScriptReport); ok {
			extra = sr.ValidationVariables()
		}

		state, msgs := script.Validate(string(src), extra...)
		fmt.Fprintf(out, "%s: %s\n", path, state)
		for _, m := range msgs {
			fmt.Fprintf(out, "  %s\n", m)
		}
		if state != script.Valid {
			invalid++
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d scripts invalid", invalid, len(args))
	}
	return nil
}

// descriptorFor builds an unsaved script report for a file. R sources
// become R reports; anything else selects its engine by extension unless
// one is named.
func descriptorFor(path, src, engineName string) *report.Descriptor {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")

	reportType := report.TypeScriptEngine
	if strings.EqualFold(ext, "r") {
		reportType = report.TypeR
	}

	d := report.NewDescriptor(reportType)
	d.ContainerID = cliContainer
	d.Set(report.PropReportName, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	d.SetScript(src)
	if ext != "" {
		d.Set(report.PropScriptExtension, ext)
	}
	if engineName != "" {
		d.Set(report.PropScriptEngine, engineName)
	}
	return d
}
