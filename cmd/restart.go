package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewRestartCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the inferd daemon",
		Long: `Restart the inferd daemon.

Stops the running daemon, including its worker, and starts a new one. The new
daemon generates a fresh app token and starts with a clean restart count.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsDaemonRunning() {
				if !quiet {
					slog.Error("Daemon is not running. Use 'inferd start' instead.")
				}
				os.Exit(1)
			}

			if !quiet {
				slog.Info("Restarting daemon...")
			}

			if _, err := daemon.SendCommand("STOP"); err != nil {
				slog.Error(fmt.Sprintf("Failed to stop daemon: %v", err))
				os.Exit(1)
			}
			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn(fmt.Sprintf("Daemon stop verification failed: %v", err))
			}

			daemonCmd, err := daemon.StartDaemon()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				os.Exit(1)
			}
			if err := daemon.WaitForDaemon(daemonCmd); err != nil {
				slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				os.Exit(1)
			}

			if !quiet {
				slog.Info("Daemon restarted successfully")
			}
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only report errors")

	return cmd
}
