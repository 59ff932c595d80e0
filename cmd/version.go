package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/core"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientVersion := core.Version
			clientFormatted := core.FormatVersion(clientVersion)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}

			// Data comes back as map[string]interface{} from JSON unmarshaling
			dataMap, ok := response.Data.(map[string]interface{})
			if !ok {
				return
			}
			version, ok := dataMap["version"].(string)
			if !ok {
				return
			}
			daemonFormatted := core.FormatVersion(version)
			fmt.Fprintf(os.Stderr, "Daemon version: %s\n", daemonFormatted)
			if pid, ok := dataMap["pid"].(float64); ok {
				fmt.Fprintf(os.Stderr, "Daemon PID:     %d\n", int(pid))
			}

			if clientVersion != version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider running 'inferd restart'.", clientFormatted, daemonFormatted))
			}
		},
	}

	return versionCmd
}
