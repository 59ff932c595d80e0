package daemon

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestParentMonitorCreation(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})
	monitor := NewParentMonitor(d, os.Getppid())

	if monitor.monitoredPID != os.Getppid() {
		t.Errorf("Expected monitoredPID to be %d, got %d", os.Getppid(), monitor.monitoredPID)
	}
	if monitor.daemon != d {
		t.Error("Expected monitor.daemon to reference the daemon instance")
	}
	if monitor.interval != parentPollInterval {
		t.Errorf("Expected default interval %s, got %s", parentPollInterval, monitor.interval)
	}
}

func TestParentMonitorStartStop(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})
	monitor := NewParentMonitor(d, os.Getpid())
	monitor.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	monitor.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if d.ctx.Err() != nil {
		t.Error("a live parent must not trigger shutdown")
	}
}

func TestParentMonitorShutsDownWhenParentDies(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})
	monitor := NewParentMonitor(d, 999999)
	monitor.interval = 10 * time.Millisecond
	monitor.alive = func(int) bool { return false }

	go monitor.pollParentStatus(context.Background())

	select {
	case <-d.ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected daemon shutdown after parent death")
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("expected our own process to be alive")
	}
}

func TestSetupParentDeathSignal(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{})
	monitor := NewParentMonitor(d, os.Getppid())

	// Failure is tolerated since polling covers it.
	if err := monitor.setupParentDeathSignal(); err != nil {
		t.Logf("setupParentDeathSignal failed: %v", err)
	}
}
