package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewGatewayCommand() *cobra.Command {
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Control the gateway listener",
		Long: `Start or stop the authenticating reverse proxy in front of the worker.

The worker keeps running either way.`,
	}

	gatewayCmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the gateway listener",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				sendGatewayCommand("GATEWAY_START")
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the gateway listener",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				sendGatewayCommand("GATEWAY_STOP")
			},
		},
	)

	return gatewayCmd
}

func sendGatewayCommand(command string) {
	response, err := daemon.SendCommand(command)
	if err != nil {
		slog.Error("Could not connect to daemon. Is inferd running?")
		os.Exit(1)
	}
	response.LogMessages()
	if response.HasErrors() {
		os.Exit(1)
	}
}
