// Package cmd provides the CLI commands for EduPilot.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/edupilot/edupilot/internal/config"
	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/output"
	"github.com/edupilot/edupilot/pkg/version"
)

var (
	configPath string
	dataDir    string
)

// NewRootCmd creates the root command for the edupilot CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edupilot",
		Short: "Bilingual study-abroad consultation service",
		Long: `EduPilot answers study-abroad questions in English and Chinese over a
curated knowledge base, with hybrid retrieval and cited answers.

Run 'edupilot serve' to start the HTTP API, or use the ingest and
query commands to work with the knowledge base directly.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("edupilot version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newBulkIngestCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newRebuildIndexCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

// loadConfig loads configuration honoring the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	return cfg, nil
}

// Execute runs the CLI and returns the process exit code: 0 success,
// 2 validation error, 3 upstream provider error, 4 rate limited,
// 1 anything else.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		output.New(os.Stderr).Error(err.Error())
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return 2
	case apperr.KindProvider, apperr.KindCircuitOpen:
		return 3
	case apperr.KindRateLimit:
		return 4
	default:
		return 1
	}
}
