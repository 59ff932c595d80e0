package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/inferd/internal/core"
)

func daemonEventTypes(t *testing.T, d *Daemon) []string {
	t.Helper()
	events, err := d.database.GetRecentDaemonEvents(10)
	if err != nil {
		t.Fatalf("GetRecentDaemonEvents failed: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func TestExecuteHook_Success(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})
	withDatabase(t, d)

	out := filepath.Join(core.Config.ConfigPath, "env.out")
	hook := core.HookConfig{Command: `echo "$INFERD_HOOK_TYPE $EXTRA" > ` + out}
	d.executeHook(hookWorkerReady, hook, map[string]string{"EXTRA": "value"})

	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook did not run: %v", err)
	}
	if got := strings.TrimSpace(string(content)); got != "on_worker_ready value" {
		t.Errorf("hook output = %q", got)
	}
	if types := daemonEventTypes(t, d); len(types) != 1 || types[0] != "hook_executed" {
		t.Errorf("expected hook_executed event, got %v", types)
	}
}

func TestExecuteHook_Failure(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})
	withDatabase(t, d)

	d.executeHook(hookMaxRestarts, core.HookConfig{Command: "exit 3"}, nil)

	if types := daemonEventTypes(t, d); len(types) != 1 || types[0] != "hook_failed" {
		t.Errorf("expected hook_failed event, got %v", types)
	}
}

func TestExecuteHook_Timeout(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})
	withDatabase(t, d)

	start := time.Now()
	d.executeHook(hookMaxRestarts, core.HookConfig{Command: "sleep 10", Timeout: 100 * time.Millisecond}, nil)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hook was not cut off at its timeout, took %s", elapsed)
	}

	if types := daemonEventTypes(t, d); len(types) != 1 || types[0] != "hook_timeout" {
		t.Errorf("expected hook_timeout event, got %v", types)
	}
}

func TestExecuteHooks_SkippedWhileStopping(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})

	out := filepath.Join(core.Config.ConfigPath, "skipped.out")
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	d.executeHooks(hookWorkerReady, []core.HookConfig{{Command: "touch " + out}}, nil)
	d.hooks.Wait()

	if _, err := os.Stat(out); err == nil {
		t.Error("hooks must not run once shutdown has started")
	}
}
