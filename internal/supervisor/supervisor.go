// Package supervisor keeps the inference worker running.
//
// A Supervisor spawns the worker, restarts it after a fixed delay when it
// terminates unexpectedly and gives up once the restart budget in the shared
// RestartState is spent. Consecutive failures are what count: a worker that
// becomes ready resets the budget.
//
// Termination is classified through a tri-state slot per worker. The kill
// path moves Running to KillRequested, the exit path moves Running to
// Cleared; whichever transition wins decides whether the exit was
// intentional.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.olrik.dev/inferd/internal/appstate"
)

// State is the supervision loop state.
type State string

const (
	StateIdle     State = "idle"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateStopped  State = "stopped"
)

// StopReason says why the loop ended.
type StopReason string

const (
	ReasonNone        StopReason = ""
	ReasonKilled      StopReason = "killed"
	ReasonMaxRestarts StopReason = "max_restarts"
	ReasonContext     StopReason = "context_cancelled"
)

var ErrAlreadyStarted = errors.New("supervisor already started")

const (
	slotRunning int32 = iota
	slotKillRequested
	slotCleared
)

type workerSlot struct {
	proc  Process
	state atomic.Int32
}

// Options configures a Supervisor.
type Options struct {
	Command  Command
	Spawner  Spawner
	Restarts *appstate.RestartState

	RestartDelay      time.Duration
	ReadyGrace        time.Duration
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration

	// HealthURL is polled until it answers 2xx to declare the worker ready.
	// When empty, surviving ReadyGrace counts as ready.
	HealthURL string
	// DestroyURL receives a best-effort DELETE from Destroy before the kill.
	DestroyURL string

	// Reaper runs once before the first spawn.
	Reaper *OrphanReaper
	Sink   EventSink
	Client *http.Client
	Logger *slog.Logger
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	State        State
	Pid          int
	Ready        bool
	Attempt      int
	RestartCount int
	MaxRestarts  int
	StartedAt    time.Time
	LastExit     string
	StopReason   StopReason
}

// Supervisor runs one supervision loop. It is not reusable: once stopped,
// build a new one to supervise again.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	client *http.Client
	kill   *KillSwitch

	started atomic.Bool
	current atomic.Pointer[workerSlot]
	done    chan struct{}

	maxOnce sync.Once
	maxCh   chan struct{}

	mu        sync.Mutex
	state     State
	pid       int
	ready     bool
	attempt   int
	startedAt time.Time
	lastExit  string
	reason    StopReason
}

// New creates an idle supervisor.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Restarts == nil {
		opts.Restarts = appstate.NewRestartState(5)
	}
	if opts.ReadyPollInterval <= 0 {
		opts.ReadyPollInterval = 500 * time.Millisecond
	}
	return &Supervisor{
		opts:   opts,
		logger: logger,
		client: client,
		kill:   NewKillSwitch(),
		done:   make(chan struct{}),
		maxCh:  make(chan struct{}),
		state:  StateIdle,
	}
}

// KillSwitch returns the switch that stops this supervisor's worker.
func (s *Supervisor) KillSwitch() *KillSwitch { return s.kill }

// MaxRestartsReached is closed exactly once when the restart budget is
// exhausted.
func (s *Supervisor) MaxRestartsReached() <-chan struct{} { return s.maxCh }

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run supervises the worker until it is killed, the context is cancelled or
// the restart budget runs out.
func (s *Supervisor) Run(ctx context.Context) (StopReason, error) {
	if !s.started.CompareAndSwap(false, true) {
		return ReasonNone, ErrAlreadyStarted
	}
	defer close(s.done)

	go s.watchKill()

	if s.opts.Reaper != nil {
		n, err := s.opts.Reaper.Reap(ctx)
		if err != nil {
			s.logger.Warn("Orphan reaping failed", "error", err)
		}
		if n > 0 {
			s.emit(Event{Type: EventOrphanReaped, Details: fmt.Sprintf("%d process(es) on port %d", n, s.opts.Reaper.Port)})
		}
	}

	for {
		if s.kill.Fired() {
			return s.stop(ReasonKilled), nil
		}
		if ctx.Err() != nil {
			return s.stop(ReasonContext), nil
		}

		attempt := s.beginSpawn()
		s.logger.Info("Spawning worker", "attempt", attempt, "command", s.opts.Command)
		proc, err := s.opts.Spawner.Spawn(ctx, s.opts.Command, s.logOutput)
		if err != nil {
			s.logger.Error("Failed to spawn worker", "attempt", attempt, "error", err)
			s.recordExit("spawn failed: " + err.Error())
			s.emit(Event{Type: EventSpawnFailed, Attempt: attempt, Details: err.Error()})
			if reason, stop := s.afterFailure(ctx); stop {
				return s.stop(reason), nil
			}
			continue
		}

		slot := &workerSlot{proc: proc}
		s.current.Store(slot)
		s.markRunning(proc.Pid())
		s.logger.Info("Worker started", "pid", proc.Pid(), "attempt", attempt)
		s.emit(Event{Type: EventSpawn, Pid: proc.Pid(), Attempt: attempt, RestartCount: s.opts.Restarts.Count()})

		// A kill that fired between the check above and the store would
		// have found no slot.
		if s.kill.Fired() {
			s.requestKill(slot)
		}

		intentional, ctxCancelled := s.supervise(ctx, slot, attempt)
		s.current.Store(nil)

		if intentional {
			if ctxCancelled {
				return s.stop(ReasonContext), nil
			}
			return s.stop(ReasonKilled), nil
		}
		if reason, stop := s.afterFailure(ctx); stop {
			return s.stop(reason), nil
		}
	}
}

// supervise waits for the worker to exit, tracking readiness meanwhile. It
// reports whether the exit was requested.
func (s *Supervisor) supervise(ctx context.Context, slot *workerSlot, attempt int) (intentional, ctxCancelled bool) {
	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()
	readyCh := s.watchReadiness(readyCtx)

	ctxDone := ctx.Done()
	for {
		select {
		case <-readyCh:
			readyCh = nil
			prev := s.opts.Restarts.Reset()
			s.markReady()
			s.logger.Info("Worker is ready", "pid", slot.proc.Pid(), "previous_restart_count", prev)
			s.emit(Event{Type: EventReady, Pid: slot.proc.Pid(), Attempt: attempt, RestartCount: prev})

		case <-ctxDone:
			ctxDone = nil
			ctxCancelled = true
			s.requestKill(slot)

		case status := <-slot.proc.Done():
			s.recordExit(status.String())
			if slot.state.CompareAndSwap(slotRunning, slotCleared) {
				s.logger.Warn("Worker terminated unexpectedly", "pid", slot.proc.Pid(), "status", status.String())
				s.emit(Event{Type: EventExited, Pid: slot.proc.Pid(), Attempt: attempt, Details: status.String()})
				return false, ctxCancelled
			}
			s.logger.Info("Worker terminated on request", "pid", slot.proc.Pid(), "status", status.String())
			s.emit(Event{Type: EventKilled, Pid: slot.proc.Pid(), Attempt: attempt, Details: status.String()})
			return true, ctxCancelled
		}
	}
}

// afterFailure charges one restart and waits out the delay. It reports
// whether the loop must stop instead of spawning again.
func (s *Supervisor) afterFailure(ctx context.Context) (StopReason, bool) {
	count, exhausted := s.opts.Restarts.Increment()
	if exhausted {
		s.logger.Error(fmt.Sprintf("Worker failed %d times in a row, giving up", count), "max_restarts", s.opts.Restarts.Max())
		s.emit(Event{Type: EventMaxRestarts, RestartCount: count})
		s.maxOnce.Do(func() { close(s.maxCh) })
		return ReasonMaxRestarts, true
	}

	s.setState(StateBackoff)
	s.logger.Warn(fmt.Sprintf("Restarting worker in %v", s.opts.RestartDelay), "restart_count", count, "max_restarts", s.opts.Restarts.Max())
	s.emit(Event{Type: EventRestartScheduled, RestartCount: count, Details: s.opts.RestartDelay.String()})

	timer := time.NewTimer(s.opts.RestartDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ReasonNone, false
	case <-s.kill.Done():
		return ReasonKilled, true
	case <-ctx.Done():
		return ReasonContext, true
	}
}

// watchReadiness returns a channel that is closed once the worker counts as
// ready. It is never closed if the probe times out or ctx ends first.
func (s *Supervisor) watchReadiness(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		if s.opts.HealthURL == "" {
			timer := time.NewTimer(s.opts.ReadyGrace)
			defer timer.Stop()
			select {
			case <-timer.C:
				close(ready)
			case <-ctx.Done():
			}
			return
		}

		var deadline <-chan time.Time
		if s.opts.ReadyTimeout > 0 {
			t := time.NewTimer(s.opts.ReadyTimeout)
			defer t.Stop()
			deadline = t.C
		}
		ticker := time.NewTicker(s.opts.ReadyPollInterval)
		defer ticker.Stop()
		for {
			if s.probeHealth(ctx) {
				close(ready)
				return
			}
			select {
			case <-ticker.C:
			case <-deadline:
				s.logger.Warn(fmt.Sprintf("Worker did not become healthy within %v", s.opts.ReadyTimeout), "health_url", s.opts.HealthURL)
				s.emit(Event{Type: EventNotReady, Details: s.opts.HealthURL})
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ready
}

func (s *Supervisor) probeHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *Supervisor) watchKill() {
	select {
	case <-s.kill.Done():
		if slot := s.current.Load(); slot != nil {
			s.requestKill(slot)
		}
	case <-s.done:
	}
}

// requestKill claims the slot for an intentional kill. It is a no-op when
// the worker already exited on its own or a kill is underway.
func (s *Supervisor) requestKill(slot *workerSlot) {
	if !slot.state.CompareAndSwap(slotRunning, slotKillRequested) {
		return
	}
	s.logger.Info("Killing worker", "pid", slot.proc.Pid())
	if err := slot.proc.Kill(); err != nil {
		s.logger.Error("Failed to kill worker", "pid", slot.proc.Pid(), "error", err)
	}
}

// Destroy stops the worker for good. The worker is claimed for an
// intentional kill first, so an exit caused by the destroy call is never
// charged to the restart budget. Then it is asked to release its engine
// resources and finally killed. A failed destroy call is returned but does
// not prevent the kill.
func (s *Supervisor) Destroy(ctx context.Context) error {
	slot := s.current.Load()
	claimed := slot != nil && slot.state.CompareAndSwap(slotRunning, slotKillRequested)
	s.kill.Fire()
	if !claimed {
		return nil
	}

	var destroyErr error
	if s.opts.DestroyURL != "" {
		destroyErr = s.sendDestroy(ctx)
	}

	s.logger.Info("Killing worker", "pid", slot.proc.Pid())
	if err := slot.proc.Kill(); err != nil {
		s.logger.Error("Failed to kill worker", "pid", slot.proc.Pid(), "error", err)
	}
	return destroyErr
}

func (s *Supervisor) sendDestroy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.opts.DestroyURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build destroy request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("Worker destroy request failed", "error", err)
		return fmt.Errorf("worker destroy request failed: %w", err)
	}
	resp.Body.Close()
	s.logger.Debug("Worker destroy request sent", "status", resp.StatusCode)
	return nil
}

// Snapshot returns the current supervision state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:        s.state,
		Pid:          s.pid,
		Ready:        s.ready,
		Attempt:      s.attempt,
		RestartCount: s.opts.Restarts.Count(),
		MaxRestarts:  s.opts.Restarts.Max(),
		StartedAt:    s.startedAt,
		LastExit:     s.lastExit,
		StopReason:   s.reason,
	}
}

func (s *Supervisor) logOutput(line OutputLine) {
	if line.Stream == "stderr" {
		s.logger.Warn(line.Text, "worker", line.Stream)
		return
	}
	s.logger.Info(line.Text, "worker", line.Stream)
}

func (s *Supervisor) emit(e Event) {
	if s.opts.Sink != nil {
		s.opts.Sink.WorkerEvent(e)
	}
}

func (s *Supervisor) beginSpawn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	s.state = StateSpawning
	s.pid = 0
	s.ready = false
	return s.attempt
}

func (s *Supervisor) markRunning(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateRunning
	s.pid = pid
	s.startedAt = time.Now()
}

func (s *Supervisor) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
}

func (s *Supervisor) recordExit(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastExit = status
	s.pid = 0
	s.ready = false
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Supervisor) stop(reason StopReason) StopReason {
	s.mu.Lock()
	s.state = StateStopped
	s.reason = reason
	s.mu.Unlock()
	s.logger.Info("Worker supervision stopped", "reason", string(reason))
	s.emit(Event{Type: EventStopped, Details: string(reason)})
	return reason
}
