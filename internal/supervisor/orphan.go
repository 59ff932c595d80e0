package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// OrphanReaper terminates stale workers still listening on the worker port,
// typically left behind when a previous daemon was killed without running
// its shutdown path.
type OrphanReaper struct {
	Port    int
	Binary  string
	Timeout time.Duration

	// listeners and cmdline are replaced in tests.
	listeners func(ctx context.Context, port int) ([]int, error)
	cmdline   func(pid int) (string, error)
	terminate func(pid int, timeout time.Duration) error
}

// Reap returns the number of processes it terminated. A listener whose
// command line does not look like the worker is left alone.
func (r *OrphanReaper) Reap(ctx context.Context) (int, error) {
	listeners := r.listeners
	if listeners == nil {
		listeners = listeningPIDs
	}
	cmdline := r.cmdline
	if cmdline == nil {
		cmdline = processCommandLine
	}
	terminate := r.terminate
	if terminate == nil {
		terminate = terminatePID
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pids, err := listeners(ctx, r.Port)
	if err != nil {
		return 0, fmt.Errorf("failed to list listeners on port %d: %w", r.Port, err)
	}

	reaped := 0
	for _, pid := range pids {
		if pid == os.Getpid() {
			continue
		}
		line, err := cmdline(pid)
		if err != nil {
			slog.Debug("Failed to get process command line", "pid", pid, "error", err)
			continue
		}
		if !isWorkerCommandLine(line, r.Binary, r.Port) {
			slog.Warn(fmt.Sprintf("Port %d is held by a foreign process, not terminating it", r.Port), "pid", pid, "cmdline", line)
			continue
		}
		slog.Info("Terminating orphaned worker", "pid", pid, "port", r.Port)
		if err := terminate(pid, timeout); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// isWorkerCommandLine matches on the binary's base name and the server flags
// rather than the full path, since the worker may have been launched from a
// different install location.
func isWorkerCommandLine(cmdline, binary string, port int) bool {
	if !strings.Contains(cmdline, filepath.Base(binary)) {
		return false
	}
	return strings.Contains(cmdline, "--start-server") && strings.Contains(cmdline, "--port "+strconv.Itoa(port))
}

func listeningPIDs(ctx context.Context, port int) ([]int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	var pids []int
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != uint32(port) || conn.Pid <= 0 {
			continue
		}
		pid := int(conn.Pid)
		if !seen[pid] {
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
