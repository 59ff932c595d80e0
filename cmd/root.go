package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "inferd",
		Short: "inferd - Local Inference Gateway",
		Long: `inferd - Local Inference Gateway

Keeps a local inference worker running and exposes it through an
authenticating reverse proxy.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return core.InitializeConfig(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", core.DefaultConfigPath(), "config path")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewStatusCommand(),
		NewKillCommand(),
		NewRecoverCommand(),
		NewGatewayCommand(),
		NewLogsCommand(),
		NewEventsCommand(),
		NewAPIKeyCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
