package cmd

import "github.com/spf13/cobra"

type rootOptions struct {
	configPath string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "symstream",
		Short:         "symstream: live symbol sessions with threshold-triggered analysis",
		Long:          "symstream collects per-session symbol sequences over WebSocket, persists them in order, and runs statistical analysis once configured milestones are crossed.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $HOME/.symstream/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newSessionsCmd(opts),
		newResultsCmd(opts),
		newAnalyzerCmd(opts),
		newConfigCmd(opts),
	)

	return rootCmd
}
