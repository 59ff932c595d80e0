package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset the restart count and start the worker again",
		Long: `Reset the restart count and start supervising the worker again.

Once the worker has failed too many times in a row, or after 'inferd kill',
the daemon leaves it stopped. This command starts a fresh supervision loop and
follows the worker until it is ready.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsDaemonRunning() {
				slog.Error("Could not connect to daemon. Is inferd running?")
				os.Exit(1)
			}
			if err := daemon.SendCommandStreaming("RECOVER"); err != nil {
				os.Exit(1)
			}
		},
	}
}
