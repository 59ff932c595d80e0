package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Terminate the worker without restarting it",
		Long: `Terminate the inference worker.

An intentional kill is never followed by a restart. Use 'inferd recover' to
start the worker again.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("KILL")
			if err != nil {
				slog.Error("Could not connect to daemon. Is inferd running?")
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}
}
