//go:build darwin

package daemon

// setupParentDeathSignal is a no-op on macOS, which has no equivalent of
// PR_SET_PDEATHSIG. Polling alone detects the host's death.
func (pm *ParentMonitor) setupParentDeathSignal() error {
	pm.logger.Info("Parent death detection using polling",
		"mechanism", "polling",
		"interval", pm.interval)
	return nil
}
