package cmd

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/inferd/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  worker   - Worker lifecycle (spawn, ready, exit, restarts)
  gateway  - Gateway listener and proxied requests
  hook     - Hook executions
  system   - Daemon start/stop and config reloads

Examples:
  inferd logs             # Stream INFO and above
  inferd logs --debug     # Include DEBUG logs
  inferd logs -F worker   # Filter to worker lifecycle
  inferd logs -F 502      # Filter by keyword
  inferd logs -L 50       # Show 50 history lines on connect

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsDaemonRunning() {
				slog.Error("Daemon is not running. Use 'inferd start' to start it.")
				os.Exit(1)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			history := lines
			for {
				out := &logFilter{
					w:       os.Stdout,
					debug:   debug,
					filter:  filter,
					noColor: noColor,
				}
				done := make(chan error, 1)
				go func(history int) {
					done <- daemon.StreamLogs(history, out)
				}(history)

				select {
				case <-sigChan:
					fmt.Println("\nDisconnected from daemon logs.")
					return
				case err := <-done:
					if err != nil {
						slog.Debug("Log stream ended", "error", err)
					}
					fmt.Println("Connection lost. Reconnecting...")
				}

				if !waitForDaemonReturn(sigChan) {
					fmt.Println("Daemon not available. Exiting.")
					return
				}
				// History was already shown on the first connection
				history = 0
			}
		},
	}

	logsCmd.Flags().Bool("debug", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by category or keyword (e.g., worker, gateway, hook)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

// waitForDaemonReturn polls for up to five seconds for the daemon to come
// back after a restart.
func waitForDaemonReturn(sigChan <-chan os.Signal) bool {
	for i := 0; i < 10; i++ {
		select {
		case <-sigChan:
			return false
		case <-time.After(500 * time.Millisecond):
		}
		if daemon.IsDaemonRunning() {
			return true
		}
	}
	return false
}

// logFilter writes only the complete lines that pass the level and keyword
// filters.
type logFilter struct {
	w       io.Writer
	debug   bool
	filter  string
	noColor bool
	partial []byte
}

func (f *logFilter) Write(p []byte) (int, error) {
	f.partial = append(f.partial, p...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(f.partial[:i+1])
		f.partial = f.partial[i+1:]

		if !f.debug && isDebugLog(line) {
			continue
		}
		if f.filter != "" && !matchesFilter(line, f.filter) {
			continue
		}
		if f.noColor {
			line = stripANSI(line)
		}
		if _, err := io.WriteString(f.w, line); err != nil {
			return len(p), err
		}
	}
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	// Check for ANSI-colored DBG (gray color: \033[90mDBG\033[0m)
	if strings.Contains(line, "\033[90mDBG\033[0m") {
		return true
	}
	stripped := stripANSI(line)
	return strings.Contains(stripped, " DBG ") || strings.Contains(stripped, "\tDBG\t")
}

// matchesFilter checks if a log line matches the filter criteria
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	switch filter {
	case "worker":
		return strings.Contains(lineLower, "component=supervisor") ||
			strings.Contains(lineLower, "worker")
	case "gateway":
		return strings.Contains(lineLower, "component=gateway") ||
			strings.Contains(lineLower, "gateway")
	case "hook":
		return strings.Contains(lineLower, "hook")
	case "system":
		return strings.Contains(lineLower, "daemon") ||
			strings.Contains(lineLower, "configuration") ||
			strings.Contains(lineLower, "config file")
	default:
		return strings.Contains(lineLower, filter)
	}
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
