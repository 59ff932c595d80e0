package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// ParentPIDEnv names the host process the daemon should not outlive. A
// desktop shell that embeds inferd sets it when launching the daemon.
const ParentPIDEnv = "INFERD_PARENT_PID"

const parentPollInterval = 5 * time.Second

// ParentMonitor shuts the daemon down when the host process dies, so the
// worker never outlives the application that asked for it.
type ParentMonitor struct {
	monitoredPID int
	interval     time.Duration
	daemon       *Daemon
	logger       *slog.Logger

	// alive is replaced in tests.
	alive func(pid int) bool
}

// NewParentMonitor creates a monitor for pid.
func NewParentMonitor(daemon *Daemon, pid int) *ParentMonitor {
	return &ParentMonitor{
		monitoredPID: pid,
		interval:     parentPollInterval,
		daemon:       daemon,
		logger:       slog.Default(),
		alive:        processAlive,
	}
}

// Start begins monitoring. When the host is the daemon's direct parent the
// kernel is also asked to deliver SIGTERM on its death where supported;
// polling covers every other case.
func (pm *ParentMonitor) Start(ctx context.Context) {
	pm.logger.Info("Starting parent process monitor",
		"monitor_pid", pm.monitoredPID,
		"daemon_ppid", os.Getppid())

	if pm.monitoredPID == os.Getppid() {
		if err := pm.setupParentDeathSignal(); err != nil {
			pm.logger.Warn("Failed to set up parent death signal, relying on polling",
				"error", err)
		}
	}

	go pm.pollParentStatus(ctx)
}

func (pm *ParentMonitor) pollParentStatus(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pm.logger.Debug("Parent monitor stopping (context cancelled)")
			return

		case <-ticker.C:
			if pm.alive(pm.monitoredPID) {
				continue
			}

			pm.logger.Info("Host process died, shutting down",
				"monitor_pid", pm.monitoredPID)
			pm.daemon.logDaemonEvent("parent_death",
				fmt.Sprintf("Monitored process %d terminated, daemon shutting down", pm.monitoredPID))
			pm.daemon.requestShutdown()
			return
		}
	}
}

// processAlive reports whether pid exists. Signal 0 checks without
// delivering anything.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
