package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.olrik.dev/inferd/internal/appstate"
	"go.olrik.dev/inferd/internal/core"
	"go.olrik.dev/inferd/internal/db"
	"go.olrik.dev/inferd/internal/gateway"
	"go.olrik.dev/inferd/internal/probe"
	"go.olrik.dev/inferd/internal/supervisor"
)

const (
	defaultLogHistoryLines = 20
	defaultEventLimit      = 20

	destroyTimeout    = 2 * time.Second
	workerStopWait    = 15 * time.Second
	usageProbeTimeout = 2 * time.Second
)

// Daemon hosts the worker supervisor and the gateway and serves the control
// socket.
type Daemon struct {
	state        *appstate.State
	spawner      supervisor.Spawner
	probe        probe.UsageProbe
	gateway      *gateway.Server
	logBroadcast *LogBroadcaster

	database      *db.DB
	listener      net.Listener
	parentMonitor *ParentMonitor

	mu         sync.Mutex
	supervisor *supervisor.Supervisor
	stopping   bool

	hooks        sync.WaitGroup
	shutdownOnce sync.Once
	ctx          context.Context
	cancelFunc   context.CancelFunc
	startedAt    time.Time
}

// New builds a daemon from core.Config. It installs the daemon logger, so
// call it before anything worth logging happens.
func New() (*Daemon, error) {
	lb := NewLogBroadcaster(core.Config.LogHistorySize)
	setupLogging(lb, core.Config.Verbose)

	state, err := appstate.New(core.Config.Supervisor.MaxRestarts)
	if err != nil {
		return nil, err
	}

	spawner := &supervisor.ExecSpawner{
		PTY:         core.Config.Worker.PTY,
		StopTimeout: core.Config.Supervisor.StopTimeout,
	}
	return newDaemon(state, lb, spawner, probe.New(core.Config.Worker.UsageProbe)), nil
}

func newDaemon(state *appstate.State, lb *LogBroadcaster, spawner supervisor.Spawner, usage probe.UsageProbe) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		state:        state,
		spawner:      spawner,
		probe:        usage,
		gateway:      gateway.NewServer(slog.Default().With("component", "gateway")),
		logBroadcast: lb,
		ctx:          ctx,
		cancelFunc:   cancel,
		startedAt:    time.Now(),
	}
}

// Run starts the gateway and the worker and serves the control socket until
// the daemon is stopped.
func (d *Daemon) Run() error {
	if pidStr := os.Getenv(ParentPIDEnv); pidStr != "" {
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 0 {
			slog.Warn("Ignoring invalid parent PID", "env", ParentPIDEnv, "value", pidStr)
		} else {
			d.parentMonitor = NewParentMonitor(d, pid)
			d.parentMonitor.Start(d.ctx)
		}
	}

	dbPath := core.GetDatabasePath()
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		d.database = database
		slog.Info("Database opened", "path", dbPath)
		version := core.FormatVersion(core.Version)
		d.logDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid()))
	}

	listener, err := listenControlSocket(core.GetSocketPath())
	if err != nil {
		d.shutdown()
		return err
	}
	pidFilePath := core.GetPIDFilePath()
	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("Failed to write PID file", "path", pidFilePath, "error", err)
	}
	defer os.Remove(pidFilePath)
	defer os.Remove(core.GetSocketPath())

	d.listener = listener
	slog.Info(fmt.Sprintf("Daemon listening on %s", core.GetSocketPath()))

	if core.Config.Gateway.Enabled {
		if err := d.startGateway(); err != nil {
			slog.Error("Failed to start gateway", "error", err)
		}
	}

	if _, err := d.startSupervisor(); err != nil {
		slog.Error("Failed to start worker supervision", "error", err)
	}

	d.watchConfig()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(shutdownChan)
	go func() {
		select {
		case sig := <-shutdownChan:
			slog.Info("Shutdown signal received", "signal", sig.String())
			d.requestShutdown()
		case <-d.ctx.Done():
		}
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}

	// Accept only fails on its own for unusual errors; make sure the
	// worker never outlives the control socket.
	d.shutdown()
	return nil
}

// listenControlSocket binds the unix socket, replacing a stale socket file
// left behind by a daemon that did not shut down cleanly.
func listenControlSocket(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}

	conn, dialErr := net.Dial("unix", socketPath)
	if dialErr == nil {
		conn.Close()
		return nil, errors.New("daemon is already running")
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if err := os.Remove(socketPath); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}

func (d *Daemon) handleConnection(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		conn.Close()
		return
	}
	command, args := strings.ToUpper(parts[0]), parts[1:]

	if command != "VERSION" && command != "STATUS" {
		slog.Info(fmt.Sprintf("Executing command: %s", strings.Join(parts, " ")))
	}

	// LOGS owns the connection until the client goes away.
	if command == "LOGS" {
		lines := defaultLogHistoryLines
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n >= 0 {
				lines = n
			}
		}
		d.handleLogsWithHistory(conn, lines)
		return
	}
	defer conn.Close()

	var response Response
	switch command {
	case "STATUS":
		response = d.getStatus()
	case "VERSION":
		response = d.getVersion()
	case "STOP":
		response = d.stopDaemon()
		conn.Write([]byte(response.ToJSON()))
		conn.Close()
		d.requestShutdown()
		return
	case "KILL":
		response = d.killWorker()
	case "RECOVER":
		d.recoverWorkerStreaming(NewStreamingResponse(conn))
		return
	case "GATEWAY_START":
		response = d.handleGatewayStart()
	case "GATEWAY_STOP":
		response = d.handleGatewayStop()
	case "EVENTS":
		limit := defaultEventLimit
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				response.AddMessage(fmt.Sprintf("Invalid event limit %q", args[0]), "ERROR")
				break
			}
			limit = n
		}
		response = d.getEvents(limit)
	default:
		response.AddMessage("Unknown command.", "ERROR")
	}

	conn.Write([]byte(response.ToJSON()))
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", "INFO")

	data := map[string]interface{}{
		"version":    core.Version,
		"pid":        os.Getpid(),
		"started_at": d.startedAt.Format(time.RFC3339),
	}
	if d.parentMonitor != nil {
		data["monitored_pid"] = d.parentMonitor.monitoredPID
	}
	response.AddData(data)

	return response
}

func (d *Daemon) getEvents(limit int) Response {
	response := Response{}
	if d.database == nil {
		response.AddMessage("Event log is not available", "ERROR")
		return response
	}

	events, err := d.database.GetRecentEvents(limit)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to read events: %v", err), "ERROR")
		return response
	}
	if len(events) == 0 {
		response.AddMessage("No events recorded", "WARN")
	} else {
		response.AddMessage("OK", "INFO")
	}
	response.AddData(events)
	return response
}

func (d *Daemon) stopDaemon() Response {
	response := Response{}
	if sup := d.currentSupervisor(); sup != nil && sup.Snapshot().Pid != 0 {
		response.AddMessage("Stopping daemon and terminating the worker...", "INFO")
	} else {
		response.AddMessage("Stopping daemon...", "INFO")
	}
	return response
}

// requestShutdown runs the shutdown sequence and closes the control socket,
// which makes Run return.
func (d *Daemon) requestShutdown() {
	d.shutdown()
	if d.listener != nil {
		d.listener.Close()
	}
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		d.mu.Lock()
		d.stopping = true
		sup := d.supervisor
		d.mu.Unlock()

		if sup != nil {
			// Destroy claims the worker before asking it to release its
			// engine, so its exit never counts as a failure.
			ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
			sup.Destroy(ctx)
			cancel()

			sup.KillSwitch().Fire()
			select {
			case <-sup.Done():
			case <-time.After(workerStopWait):
				slog.Warn("Worker supervision did not stop in time")
			}
		}

		if err := d.gateway.Stop(); err != nil {
			slog.Error("Failed to stop gateway", "error", err)
		}

		if d.cancelFunc != nil {
			d.cancelFunc()
		}
		d.hooks.Wait()

		if d.database != nil {
			version := core.FormatVersion(core.Version)
			d.logDaemonEvent("stop", fmt.Sprintf("daemon stopped - version: %s, PID: %d", version, os.Getpid()))

			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush database during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database during shutdown", "error", err)
			} else {
				slog.Info("Database closed successfully")
			}
		}
	})
}

func (d *Daemon) logDaemonEvent(eventType, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogDaemonEvent(eventType, details); err != nil {
		slog.Warn("Failed to log daemon event", "event", eventType, "error", err)
	}
}
