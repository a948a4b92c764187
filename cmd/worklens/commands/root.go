// Package commands defines all Cobra CLI commands for the worklens binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/worklens-go/internal/audit"
	"github.com/54b3r/worklens-go/internal/config"
	"github.com/54b3r/worklens-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "worklens",
		Short: "WorkLens — ask questions about your team's work items",
		Long: `WorkLens keeps a searchable vector index of an Azure DevOps project's
work items and answers natural language questions about them, with
citations back to the items it used.

It syncs the catalog incrementally, finds duplicate and related items for
triage, and serves the same capabilities over a REST/SSE API.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.worklens/config.yaml).
See 'worklens --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.worklens/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewSyncCmd(),
		NewTriageCmd(),
		NewStatusCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
