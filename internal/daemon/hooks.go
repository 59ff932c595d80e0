package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.olrik.dev/inferd/internal/core"
)

const (
	hookWorkerReady = "on_worker_ready"
	hookMaxRestarts = "on_max_restarts"

	defaultHookTimeout = 30 * time.Second
)

// executeHooks runs each hook in the background. Hooks are skipped once the
// daemon is shutting down.
func (d *Daemon) executeHooks(hookType string, hooks []core.HookConfig, env map[string]string) {
	if len(hooks) == 0 {
		return
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.hooks.Add(len(hooks))
	d.mu.Unlock()

	slog.Info("Executing hooks", "type", hookType, "count", len(hooks))
	for _, hook := range hooks {
		go func(hook core.HookConfig) {
			defer d.hooks.Done()
			d.executeHook(hookType, hook, env)
		}(hook)
	}
}

// executeHook runs a single hook through the shell with a timeout.
func (d *Daemon) executeHook(hookType string, hook core.HookConfig, extraEnv map[string]string) {
	startTime := time.Now()

	timeout := hook.Timeout
	if timeout == 0 {
		timeout = defaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	env := append(os.Environ(), "INFERD_HOOK_TYPE="+hookType)
	for k, v := range extraEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", hook.Command)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole group so children of the shell do not linger.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()
	duration := time.Since(startTime)

	var eventType, details string
	switch {
	case err == nil:
		eventType = "hook_executed"
		details = fmt.Sprintf("%s hook - duration: %s", hookType, duration)
		slog.Info("Hook executed",
			"type", hookType,
			"command", hook.Command,
			"duration", duration)
	case ctx.Err() == context.DeadlineExceeded:
		eventType = "hook_timeout"
		details = fmt.Sprintf("%s hook - timeout after %s", hookType, timeout)
		slog.Warn("Hook timed out",
			"type", hookType,
			"command", hook.Command,
			"timeout", timeout)
	default:
		eventType = "hook_failed"
		details = fmt.Sprintf("%s hook - %v", hookType, err)
		slog.Warn("Hook failed",
			"type", hookType,
			"command", hook.Command,
			"error", err)
	}

	d.logDaemonEvent(eventType, details)
}
