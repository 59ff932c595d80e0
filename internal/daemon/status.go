package daemon

import (
	"context"
	"time"

	"go.olrik.dev/inferd/internal/core"
	"go.olrik.dev/inferd/internal/probe"
	"go.olrik.dev/inferd/internal/supervisor"
)

// WorkerStatus is the worker half of the STATUS payload.
type WorkerStatus struct {
	State        string       `json:"state"`
	Pid          int          `json:"pid,omitempty"`
	Ready        bool         `json:"ready"`
	Attempt      int          `json:"attempt"`
	RestartCount int          `json:"restart_count"`
	MaxRestarts  int          `json:"max_restarts"`
	StartDate    string       `json:"start_date,omitempty"`
	LastExit     string       `json:"last_exit,omitempty"`
	StopReason   string       `json:"stop_reason,omitempty"`
	LastReady    string       `json:"last_ready,omitempty"`
	Usage        *probe.Usage `json:"usage,omitempty"`
}

// GatewayStatus is the gateway half of the STATUS payload.
type GatewayStatus struct {
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	Addr      string `json:"addr,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	StartDate string `json:"start_date,omitempty"`
}

// DaemonStatus is returned by STATUS.
type DaemonStatus struct {
	Worker  WorkerStatus  `json:"worker"`
	Gateway GatewayStatus `json:"gateway"`
}

func (d *Daemon) getStatus() Response {
	response := Response{}
	status := DaemonStatus{
		Worker:  d.workerStatus(),
		Gateway: d.gatewayStatus(),
	}

	switch {
	case status.Worker.State == string(supervisor.StateStopped) && status.Worker.StopReason == string(supervisor.ReasonMaxRestarts):
		response.AddMessage("Worker stopped after reaching the restart limit; run 'inferd recover' to try again", "ERROR")
	case status.Worker.State == string(supervisor.StateStopped):
		response.AddMessage("Worker is stopped", "WARN")
	default:
		response.AddMessage("OK", "INFO")
	}
	response.AddData(status)
	return response
}

func (d *Daemon) workerStatus() WorkerStatus {
	sup := d.currentSupervisor()
	if sup == nil {
		return WorkerStatus{
			State:        string(supervisor.StateIdle),
			RestartCount: d.state.Restarts.Count(),
			MaxRestarts:  d.state.Restarts.Max(),
			LastReady:    d.lastReady(),
		}
	}

	snap := sup.Snapshot()
	status := WorkerStatus{
		State:        string(snap.State),
		Pid:          snap.Pid,
		Ready:        snap.Ready,
		Attempt:      snap.Attempt,
		RestartCount: snap.RestartCount,
		MaxRestarts:  snap.MaxRestarts,
		LastExit:     snap.LastExit,
		StopReason:   string(snap.StopReason),
		LastReady:    d.lastReady(),
	}
	if !snap.StartedAt.IsZero() {
		status.StartDate = snap.StartedAt.Format(time.RFC3339)
	}

	if snap.Pid > 0 && d.probe != nil {
		ctx, cancel := context.WithTimeout(d.ctx, usageProbeTimeout)
		defer cancel()
		// Usage is best effort: the probe may be unsupported or the worker
		// may have exited since the snapshot.
		if usage, err := d.probe.Usage(ctx, snap.Pid); err == nil {
			status.Usage = &usage
		}
	}
	return status
}

// lastReady survives daemon restarts, unlike the supervisor snapshot.
func (d *Daemon) lastReady() string {
	if d.database == nil {
		return ""
	}
	e, err := d.database.GetLastWorkerEvent(supervisor.EventReady)
	if err != nil || e == nil {
		return ""
	}
	return e.Timestamp.Format(time.RFC3339)
}

func (d *Daemon) gatewayStatus() GatewayStatus {
	status := GatewayStatus{
		Enabled: core.Config.Gateway.Enabled,
		Running: d.gateway.Running(),
	}
	if cfg, ok := d.gateway.Config(); ok {
		status.Addr = d.gateway.Addr()
		status.Prefix = cfg.PathPrefix
		status.StartDate = d.gateway.StartedAt().Format(time.RFC3339)
	}
	return status
}
