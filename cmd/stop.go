package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the inferd daemon",
		Long: `Stop the inferd daemon.

The worker is asked to release its engine, then terminated together with its
process group. The gateway listener is closed and the event log flushed.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn(fmt.Sprintf("Daemon did not shut down in time: %v", err))
				return
			}
			slog.Debug("Daemon shutdown confirmed")
		},
	}
}
