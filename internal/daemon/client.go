package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.olrik.dev/inferd/internal/core"
)

const (
	defaultCommandTimeout = 30 * time.Second
	daemonStartTimeout    = 5 * time.Second
	daemonStopTimeout     = 30 * time.Second
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	return sendCommandWithTimeout(command, defaultCommandTimeout)
}

func sendCommandWithTimeout(command string, timeout time.Duration) (Response, error) {
	response := Response{}

	conn, err := net.DialTimeout("unix", core.GetSocketPath(), timeout)
	if err != nil {
		return response, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// SendCommandStreaming sends a command whose progress arrives as one JSON
// message per line and logs each message as it arrives. It fails when the
// daemon reports an error.
func SendCommandStreaming(command string) error {
	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}

	var failed bool
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg ResponseMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return fmt.Errorf("failed to parse message from daemon: %w", err)
		}
		if msg.Status == "ERROR" {
			failed = true
		}
		(&Response{Messages: []ResponseMessage{msg}}).LogMessages()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read from daemon: %w", err)
	}
	if failed {
		return errors.New("daemon reported an error")
	}
	return nil
}

// StreamLogs copies the daemon log stream to w until the connection ends.
func StreamLogs(historyLines int, w io.Writer) error {
	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "LOGS %d\n", historyLines); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}
	if _, err := io.Copy(w, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// IsDaemonRunning reports whether a daemon answers on the control socket.
func IsDaemonRunning() bool {
	_, err := sendCommandWithTimeout("VERSION", time.Second)
	return err == nil
}

// StartDaemon launches `inferd daemon` in the background, detached from the
// terminal. Its stderr goes to a temp file so a crash during startup can be
// reported.
func StartDaemon() (*exec.Cmd, error) {
	args := []string{"daemon", "--config-path", core.Config.ConfigPath}
	for i := 0; i < core.Config.Verbose; i++ {
		args = append(args, "-v")
	}

	stderrFile, err := os.CreateTemp("", "inferd-daemon-stderr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr capture file: %w", err)
	}

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stderr = stderrFile
	// A new session keeps terminal signals away from the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		stderrFile.Close()
		os.Remove(stderrFile.Name())
		return nil, fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))
	return cmd, nil
}

// WaitForDaemon waits until the daemon started by StartDaemon answers on
// the control socket, or reports why it died.
func WaitForDaemon(cmd *exec.Cmd) error {
	stderrFile, _ := cmd.Stderr.(*os.File)
	defer func() {
		if stderrFile != nil {
			stderrFile.Close()
			os.Remove(stderrFile.Name())
		}
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.After(daemonStartTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			msg := fmt.Sprintf("daemon crashed during startup: %v", err)
			if stderrFile != nil {
				if out, readErr := os.ReadFile(stderrFile.Name()); readErr == nil && len(out) > 0 {
					msg += "\n" + strings.TrimSpace(string(out))
				}
			}
			return errors.New(msg)
		case <-deadline:
			return errors.New("daemon process was launched but did not respond in time")
		case <-ticker.C:
			if IsDaemonRunning() {
				return nil
			}
		}
	}
}

// WaitForDaemonStop blocks until the control socket stops answering.
func WaitForDaemonStop() error {
	deadline := time.Now().Add(daemonStopTimeout)
	for time.Now().Before(deadline) {
		if !IsDaemonRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("timed out waiting for daemon to stop")
}
