//go:build linux

package daemon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setupParentDeathSignal asks the kernel to send SIGTERM when the parent
// dies. The SIGTERM handler in Run takes it from there.
func (pm *ParentMonitor) setupParentDeathSignal() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_PDEATHSIG) failed: %w", err)
	}

	pm.logger.Info("Parent death signal configured",
		"signal", "SIGTERM",
		"mechanism", "prctl(PR_SET_PDEATHSIG)")

	return nil
}
