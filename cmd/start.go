package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/core"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the inferd daemon",
		Long: `Start the inferd daemon in the background.

The daemon launches the inference worker, restarts it when it crashes and
serves the gateway. It keeps running until stopped with 'inferd stop'.

If the daemon is already running, this command reports its version.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if response, err := daemon.SendCommand("VERSION"); err == nil {
				if versionData, ok := response.Data.(map[string]interface{}); ok {
					if version, ok := versionData["version"].(string); ok {
						slog.Info(fmt.Sprintf("Daemon is already running (version %s)", core.FormatVersion(version)))
						return
					}
				}
				slog.Info("Daemon is already running")
				return
			}

			slog.Info("Starting inferd daemon...")
			daemonCmd, err := daemon.StartDaemon()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				os.Exit(1)
			}

			if err := daemon.WaitForDaemon(daemonCmd); err != nil {
				slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				os.Exit(1)
			}

			slog.Info("Daemon started successfully")
		},
	}
}
