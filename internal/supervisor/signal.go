package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// terminateGroup sends SIGTERM to the process group led by pgid and
// escalates to SIGKILL if exited is not closed within timeout.
func terminateGroup(pgid int, exited <-chan struct{}, timeout time.Duration) error {
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		slog.Warn("Failed to send SIGTERM to worker group, forcing kill", "pgid", pgid, "error", err)
		return killGroup(pgid)
	}

	select {
	case <-exited:
		slog.Debug("Worker group terminated gracefully", "pgid", pgid)
		return nil
	case <-time.After(timeout):
	}

	slog.Warn(fmt.Sprintf("Worker did not exit within %v, forcing kill", timeout), "pgid", pgid)
	return killGroup(pgid)
}

func killGroup(pgid int) error {
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", pgid, err)
	}
	return nil
}

// terminatePID stops a process we did not spawn. Since it is not our child
// we cannot wait for it and poll with signal 0 instead.
func terminatePID(pid int, timeout time.Duration) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %d did not exit within %v, forcing kill", pid, timeout))
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}
