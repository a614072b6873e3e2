// Package cli wires the audit trail components into the audittrail command.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"audittrail/internal/platform/config"
	"audittrail/internal/platform/logger"
)

// app carries what every subcommand needs once the root command has run.
type app struct {
	load   func() (config.Config, error)
	cfg    config.Config
	logger *slog.Logger
	// logOutput overrides stdout for the process logger.
	logOutput io.Writer
}

// NewRootCmd builds the command tree reading configuration from the environment.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{load: config.FromEnv})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "audittrail",
		Short: "Immutable audit trail for client record changes",
		Long: `audittrail records who changed which client attribute and when, and serves
the log back to agents and administrators.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			if a.logOutput != nil {
				a.logger = logger.NewWithWriter(a.logOutput, cfg.Log)
			} else {
				a.logger = logger.New(cfg.Log)
			}
			slog.SetDefault(a.logger)
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(a),
		newConsumeCmd(a),
		newMigrateCmd(a),
		newPublishCmd(a),
		newExportCmd(a),
		newTokenCmd(a),
	)
	return root
}
