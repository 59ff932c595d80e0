//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strings"
)

// processCommandLine reads /proc/<pid>/cmdline, whose arguments are
// NUL-separated.
func processCommandLine(pid int) (string, error) {
	path := fmt.Sprintf("/proc/%d/cmdline", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	cmdline := strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	if cmdline == "" {
		return "", fmt.Errorf("empty command line for PID %d", pid)
	}
	return cmdline, nil
}
