// Command reportctl validates and runs report scripts outside the server.
//
//	reportctl validate plot.R
//	reportctl run plot.R --input people.tsv --out ./outputs
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/LabKey/platform-sub050/internal/config"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
	"github.com/LabKey/platform-sub050/pkg/contracts"
)

var (
	// Global flags
	verbose bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reportctl",
	Short: "Validate and run LabKey report scripts",
	Long: `reportctl runs report scripts through the same validation gate,
token substitution and engines as the report server, without a server.

Configuration is read the same way as the server: from the file named by
LABKEY_CONFIG or the default config locations, then the environment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logger = infrastructure.NewLogger(cmd.ErrOrStderr(), level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(validateCmd, runCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", config.AppName, contracts.Build())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
