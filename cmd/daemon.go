package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Long: `Run the daemon in the foreground.

Used by 'inferd start' and by hosts that embed inferd. A host that sets
INFERD_PARENT_PID makes the daemon exit when that process dies.`,
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			d, err := daemon.New()
			if err != nil {
				slog.Error(fmt.Sprintf("Fatal: %v", err))
				os.Exit(1)
			}
			if err := d.Run(); err != nil {
				slog.Error(fmt.Sprintf("Fatal: %v", err))
				os.Exit(1)
			}
		},
	}

	return daemonCmd
}
