package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(config *Config) *cobra.Command {
	envStateDir := config.StateDir
	root := &cobra.Command{
		Use:           "LeadFlow",
		Short:         "WhatsApp conversation flow engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeLogger(config.LogLevel); err != nil {
				return err
			}
			config.rebaseStateDir(envStateDir)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	root.PersistentFlags().StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for LeadFlow data (overrides $LEADFLOW_STATE_DIR)")

	root.AddCommand(newServeCmd(config), newValidateCmd())
	return root
}
