package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show worker and gateway status",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Daemon is not running. Use 'inferd start' to start it.")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)
			status := daemon.DaemonStatus{}
			json.Unmarshal(jsonBytes, &status)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				writeStatus(os.Stdout, status, time.Now())
				for _, m := range response.Messages {
					if m.Status != "INFO" {
						response.LogMessages()
						break
					}
				}
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

// writeStatus renders the STATUS payload for humans.
func writeStatus(w io.Writer, status daemon.DaemonStatus, now time.Time) {
	worker := status.Worker
	fmt.Fprintln(w, "Worker:")
	fmt.Fprintf(w, "  State:    %s\n", workerState(worker))
	if worker.Pid > 0 {
		fmt.Fprintf(w, "  PID:      %d\n", worker.Pid)
	}
	if age := since(worker.StartDate, now); age != "" {
		fmt.Fprintf(w, "  Uptime:   %s\n", age)
	}
	fmt.Fprintf(w, "  Restarts: %d/%d\n", worker.RestartCount, worker.MaxRestarts)
	if ago := since(worker.LastReady, now); ago != "" && !worker.Ready {
		fmt.Fprintf(w, "  Last ready: %s ago\n", ago)
	}
	if worker.LastExit != "" {
		fmt.Fprintf(w, "  Last exit: %s\n", worker.LastExit)
	}
	if u := worker.Usage; u != nil && u.WorkerRSS > 0 {
		fmt.Fprintf(w, "  Memory:   %s (CPU %.1f%%)\n", formatBytes(u.WorkerRSS), u.WorkerCPUPercent)
	}

	gw := status.Gateway
	fmt.Fprintln(w, "Gateway:")
	switch {
	case gw.Running:
		fmt.Fprintf(w, "  Listening on %s", gw.Addr)
		if gw.Prefix != "" {
			fmt.Fprintf(w, " (prefix %s)", gw.Prefix)
		}
		fmt.Fprintln(w)
		if age := since(gw.StartDate, now); age != "" {
			fmt.Fprintf(w, "  Uptime:   %s\n", age)
		}
	case gw.Enabled:
		fmt.Fprintln(w, "  Enabled but not running")
	default:
		fmt.Fprintln(w, "  Disabled")
	}
}

func workerState(worker daemon.WorkerStatus) string {
	var parts []string
	parts = append(parts, worker.State)
	if worker.Ready {
		parts = append(parts, "ready")
	}
	if worker.StopReason != "" {
		parts = append(parts, "reason: "+worker.StopReason)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + " (" + strings.Join(parts[1:], ", ") + ")"
}

func since(date string, now time.Time) string {
	if date == "" {
		return ""
	}
	started, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return ""
	}
	return now.Sub(started).Round(time.Second).String()
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
