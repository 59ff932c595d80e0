package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
	"go.olrik.dev/inferd/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent worker, gateway and daemon events",
		Long: `Show recent events from the daemon's event log, newest first.

The log records worker spawns, exits, restarts and readiness, gateway
start/stop, hook executions and config reloads.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("EVENTS " + strconv.Itoa(limit))
			if err != nil {
				slog.Error("Could not connect to daemon. Is inferd running?")
				os.Exit(1)
			}
			if response.HasErrors() {
				response.LogMessages()
				os.Exit(1)
			}

			jsonBytes, _ := json.Marshal(response.Data)
			events := []db.Event{}
			json.Unmarshal(jsonBytes, &events)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				if len(events) == 0 {
					response.LogMessages()
					return
				}
				writeEvents(os.Stdout, events)
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	eventsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return eventsCmd
}

func writeEvents(w io.Writer, events []db.Event) {
	for _, e := range events {
		line := fmt.Sprintf("%s  %-8s %-22s", e.Timestamp.Local().Format(time.DateTime), e.Source, e.EventType)
		if e.Details != "" {
			line += " " + e.Details
		}
		fmt.Fprintln(w, line)
	}
}
