// Package commands implements the broker CLI's cobra command tree.
package commands

import (
	"github.com/execbroker/broker/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd builds the root "broker" command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Broker - human-in-the-loop execution gateway",
		Long:  `Broker brokers untrusted skill code through operator approval, trust caching, and a sandboxed executor.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() == "console")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewServeCmd(),
		NewConsoleCmd(),
		NewRequestsCmd(),
		NewSecretsCmd(),
		NewVersionCmd(),
	)

	return cmd
}
