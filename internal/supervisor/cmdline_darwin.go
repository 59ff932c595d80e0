//go:build darwin

package supervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// processCommandLine asks ps, since macOS has no /proc.
func processCommandLine(pid int) (string, error) {
	out, err := exec.Command("/bin/ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return "", fmt.Errorf("ps command failed for PID %d: %w", pid, err)
	}
	cmdline := strings.TrimSpace(string(out))
	if cmdline == "" {
		return "", fmt.Errorf("empty command line for PID %d", pid)
	}
	return cmdline, nil
}
