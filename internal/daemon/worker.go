package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.olrik.dev/inferd/internal/core"
	"go.olrik.dev/inferd/internal/supervisor"
)

// destroyPath asks the worker to unload its engine before it is killed.
const destroyPath = "/processManager/destroy"

var (
	errShuttingDown     = errors.New("daemon is shutting down")
	errStillSupervising = errors.New("worker is still supervised")
)

func (d *Daemon) currentSupervisor() *supervisor.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supervisor
}

// supervisorOptions maps the current configuration onto supervisor options.
func (d *Daemon) supervisorOptions() supervisor.Options {
	cfg := core.Config
	opts := supervisor.Options{
		Command:           supervisor.WorkerCommand(cfg.Worker, d.state.Token),
		Spawner:           d.spawner,
		Restarts:          d.state.Restarts,
		RestartDelay:      cfg.Supervisor.RestartDelay,
		ReadyGrace:        cfg.Supervisor.ReadyGrace,
		ReadyTimeout:      cfg.Supervisor.ReadyTimeout,
		ReadyPollInterval: cfg.Supervisor.ReadyPollInterval,
		DestroyURL:        core.WorkerBaseURL() + destroyPath,
		Sink:              supervisor.EventSinkFunc(d.recordWorkerEvent),
		Logger:            slog.Default().With("component", "supervisor"),
	}
	if cfg.Worker.HealthPath != "" {
		opts.HealthURL = core.WorkerBaseURL() + cfg.Worker.HealthPath
	}
	if cfg.Worker.ReapOrphans {
		opts.Reaper = &supervisor.OrphanReaper{
			Port:    core.WorkerPort,
			Binary:  cfg.Worker.Binary,
			Timeout: cfg.Supervisor.StopTimeout,
		}
	}
	return opts
}

// startSupervisor launches a fresh supervision loop. It refuses while the
// previous loop is still running or the daemon is shutting down.
func (d *Daemon) startSupervisor() (*supervisor.Supervisor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return nil, errShuttingDown
	}
	if d.supervisor != nil {
		select {
		case <-d.supervisor.Done():
		default:
			return nil, errStillSupervising
		}
	}

	sup := supervisor.New(d.supervisorOptions())
	d.supervisor = sup

	go func() {
		reason, err := sup.Run(d.ctx)
		if err != nil {
			slog.Error("Worker supervision failed", "error", err)
			return
		}
		slog.Debug("Worker supervision ended", "reason", string(reason))
	}()
	go d.watchMaxRestarts(sup)

	return sup, nil
}

// watchMaxRestarts waits for a supervision loop to end and escalates when it
// gave up on the worker.
func (d *Daemon) watchMaxRestarts(sup *supervisor.Supervisor) {
	<-sup.Done()

	select {
	case <-sup.MaxRestartsReached():
	default:
		return
	}

	count := d.state.Restarts.Count()
	slog.Error("Worker keeps failing, giving up until recovered",
		"restarts", count,
		"max_restarts", d.state.Restarts.Max())
	d.logDaemonEvent(supervisor.EventMaxRestarts,
		fmt.Sprintf("worker stopped after %d consecutive failures", count))

	d.executeHooks(hookMaxRestarts, core.Config.Hooks.OnMaxRestarts, map[string]string{
		"INFERD_RESTART_COUNT": strconv.Itoa(count),
		"INFERD_MAX_RESTARTS":  strconv.Itoa(d.state.Restarts.Max()),
	})
}

// recordWorkerEvent persists supervisor transitions and fires the ready
// hooks. It runs on the supervision goroutine, so it must stay quick.
func (d *Daemon) recordWorkerEvent(e supervisor.Event) {
	if d.database != nil {
		if err := d.database.LogWorkerEvent(e.Type, e.Pid, e.Attempt, e.RestartCount, e.Details); err != nil {
			slog.Warn("Failed to log worker event", "event", e.Type, "error", err)
		}
	}

	if e.Type == supervisor.EventReady {
		d.executeHooks(hookWorkerReady, core.Config.Hooks.OnWorkerReady, map[string]string{
			"INFERD_WORKER_PID":    strconv.Itoa(e.Pid),
			"INFERD_RESTART_COUNT": strconv.Itoa(e.RestartCount),
		})
	}
}

func (d *Daemon) killWorker() Response {
	response := Response{}

	sup := d.currentSupervisor()
	if sup == nil {
		response.AddMessage("No worker is being supervised", "WARN")
		return response
	}
	select {
	case <-sup.Done():
		response.AddMessage("Worker supervision has already stopped", "WARN")
		return response
	default:
	}

	sup.KillSwitch().Fire()
	response.AddMessage("Worker kill requested; it will not be restarted", "INFO")
	return response
}

// recoverWorker is the manual way out of the stopped state: it clears the
// restart count and starts a new supervision loop.
func (d *Daemon) recoverWorker() Response {
	response := Response{}

	d.mu.Lock()
	sup := d.supervisor
	d.mu.Unlock()
	if sup != nil {
		select {
		case <-sup.Done():
		default:
			response.AddMessage("Worker is still supervised; nothing to recover", "WARN")
			return response
		}
	}

	prev := d.state.Restarts.Reset()
	if _, err := d.startSupervisor(); err != nil {
		if errors.Is(err, errStillSupervising) {
			response.AddMessage("Worker is still supervised; nothing to recover", "WARN")
		} else {
			response.AddMessage(fmt.Sprintf("Failed to restart worker supervision: %v", err), "ERROR")
		}
		return response
	}

	d.logDaemonEvent("recover", fmt.Sprintf("restart count reset from %d", prev))
	response.AddMessage(fmt.Sprintf("Restart count reset (was %d), worker supervision restarted", prev), "INFO")
	return response
}

// recoverWorkerStreaming recovers the worker and reports its progress until
// it is ready, gives up again or the wait times out.
func (d *Daemon) recoverWorkerStreaming(stream *StreamingResponse) {
	response := d.recoverWorker()
	for _, m := range response.Messages {
		stream.WriteMessage(m.Message, m.Status)
	}
	if len(response.Messages) == 0 || response.Messages[0].Status != "INFO" {
		return
	}
	if sup := d.currentSupervisor(); sup != nil {
		d.followStartup(sup, stream)
	}
}

func (d *Daemon) followStartup(sup *supervisor.Supervisor, stream *StreamingResponse) {
	wait := core.Config.Supervisor.ReadyTimeout + core.Config.Supervisor.ReadyGrace + time.Second
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastPid := 0
	for {
		select {
		case <-sup.Done():
			snap := sup.Snapshot()
			status := "WARN"
			if snap.StopReason == supervisor.ReasonMaxRestarts {
				status = "ERROR"
			}
			stream.WriteMessage(fmt.Sprintf("Worker supervision stopped (%s)", snap.StopReason), status)
			return
		case <-deadline.C:
			stream.WriteMessage(fmt.Sprintf("Worker not ready after %s; check 'inferd status'", wait), "WARN")
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			snap := sup.Snapshot()
			if snap.Pid != 0 && snap.Pid != lastPid {
				lastPid = snap.Pid
				stream.WriteMessage(fmt.Sprintf("Worker started (pid %d, attempt %d)", snap.Pid, snap.Attempt), "INFO")
			}
			if snap.Ready {
				stream.WriteMessage("Worker is ready", "INFO")
				return
			}
		}
	}
}
