package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.olrik.dev/inferd/internal/appstate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
}

type fakeProcess struct {
	pid    int
	done   chan ExitStatus
	once   sync.Once
	killed atomic.Bool
}

func (p *fakeProcess) Pid() int                { return p.pid }
func (p *fakeProcess) Done() <-chan ExitStatus { return p.done }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(ExitStatus{Code: -1, Signal: "terminated"})
	return nil
}

func (p *fakeProcess) exit(status ExitStatus) {
	p.once.Do(func() { p.done <- status })
}

// fakeSpawner hands out fake processes. The first failFirst spawns fail;
// with exitImmediately every process exits with status 1 right away.
type fakeSpawner struct {
	mu              sync.Mutex
	calls           int
	failFirst       int
	failAll         bool
	exitImmediately bool
	spawned         chan *fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(chan *fakeProcess, 100)}
}

func (f *fakeSpawner) Spawn(ctx context.Context, cmd Command, output func(OutputLine)) (Process, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.failAll || call <= f.failFirst
	f.mu.Unlock()

	if fail {
		return nil, errors.New("exec: worker binary not found")
	}
	if output != nil {
		output(OutputLine{Stream: "stdout", Text: "engine starting"})
	}
	p := &fakeProcess{pid: 1000 + call, done: make(chan ExitStatus, 1)}
	if f.exitImmediately {
		p.exit(ExitStatus{Code: 1})
	}
	f.spawned <- p
	return p, nil
}

func (f *fakeSpawner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 100)}
}

func (r *eventRecorder) WorkerEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *eventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []string
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func (r *eventRecorder) waitFor(t *testing.T, eventType string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func testOptions(spawner Spawner, maxRestarts int) Options {
	return Options{
		Command:      Command{Path: "cortex-server"},
		Spawner:      spawner,
		Restarts:     appstate.NewRestartState(maxRestarts),
		RestartDelay: 5 * time.Millisecond,
		ReadyGrace:   time.Hour,
		Logger:       quietLogger(),
	}
}

type runResult struct {
	reason StopReason
	err    error
}

func runAsync(s *Supervisor, ctx context.Context) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		reason, err := s.Run(ctx)
		ch <- runResult{reason, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
		return runResult{}
	}
}

func waitSpawn(t *testing.T, f *fakeSpawner) *fakeProcess {
	t.Helper()
	select {
	case p := <-f.spawned:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for spawn")
		return nil
	}
}

func waitRunning(t *testing.T, s *Supervisor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Snapshot().State != StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for running state")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisor_StopsAfterMaxRestarts(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.exitImmediately = true
	opts := testOptions(spawner, 3)
	s := New(opts)

	res := waitResult(t, runAsync(s, context.Background()))
	if res.err != nil {
		t.Fatalf("Run error: %v", res.err)
	}
	if res.reason != ReasonMaxRestarts {
		t.Errorf("reason = %q, want %q", res.reason, ReasonMaxRestarts)
	}
	if got := spawner.Calls(); got != 3 {
		t.Errorf("spawn calls = %d, want 3", got)
	}
	if got := opts.Restarts.Count(); got != 3 {
		t.Errorf("restart count = %d, want 3", got)
	}
	select {
	case <-s.MaxRestartsReached():
	default:
		t.Error("max restarts notification not delivered")
	}

	snap := s.Snapshot()
	if snap.State != StateStopped || snap.StopReason != ReasonMaxRestarts {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.LastExit != "exit status 1" {
		t.Errorf("LastExit = %q, want exit status 1", snap.LastExit)
	}
}

func TestSupervisor_CleanExitIsUnexpected(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(testOptions(spawner, 1))
	ch := runAsync(s, context.Background())

	p := waitSpawn(t, spawner)
	p.exit(ExitStatus{Code: 0})

	res := waitResult(t, ch)
	if res.reason != ReasonMaxRestarts {
		t.Errorf("reason = %q, want %q", res.reason, ReasonMaxRestarts)
	}
}

func TestSupervisor_SpawnFailuresCount(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.failAll = true
	opts := testOptions(spawner, 2)
	s := New(opts)

	res := waitResult(t, runAsync(s, context.Background()))
	if res.reason != ReasonMaxRestarts {
		t.Errorf("reason = %q, want %q", res.reason, ReasonMaxRestarts)
	}
	if got := spawner.Calls(); got != 2 {
		t.Errorf("spawn calls = %d, want 2", got)
	}
	if got := opts.Restarts.Count(); got != 2 {
		t.Errorf("restart count = %d, want 2", got)
	}
}

func TestSupervisor_KillNeverRestarts(t *testing.T) {
	spawner := newFakeSpawner()
	opts := testOptions(spawner, 5)
	s := New(opts)
	ch := runAsync(s, context.Background())

	p := waitSpawn(t, spawner)
	s.KillSwitch().Fire()
	s.KillSwitch().Fire()

	res := waitResult(t, ch)
	if res.reason != ReasonKilled {
		t.Errorf("reason = %q, want %q", res.reason, ReasonKilled)
	}
	if !p.killed.Load() {
		t.Error("worker was not killed")
	}
	if got := spawner.Calls(); got != 1 {
		t.Errorf("spawn calls = %d, want 1", got)
	}
	if got := opts.Restarts.Count(); got != 0 {
		t.Errorf("restart count = %d, want 0", got)
	}
	select {
	case <-s.MaxRestartsReached():
		t.Error("max restarts notification fired on kill")
	default:
	}
}

func TestSupervisor_KillBeforeRun(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(testOptions(spawner, 5))
	s.KillSwitch().Fire()

	res := waitResult(t, runAsync(s, context.Background()))
	if res.reason != ReasonKilled {
		t.Errorf("reason = %q, want %q", res.reason, ReasonKilled)
	}
	if got := spawner.Calls(); got != 0 {
		t.Errorf("spawn calls = %d, want 0", got)
	}
}

func TestSupervisor_KillDuringBackoff(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.exitImmediately = true
	opts := testOptions(spawner, 5)
	opts.RestartDelay = time.Hour
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)
	ch := runAsync(s, context.Background())

	events.waitFor(t, EventRestartScheduled)
	if got := s.Snapshot().State; got != StateBackoff {
		t.Errorf("state = %q, want %q", got, StateBackoff)
	}
	s.KillSwitch().Fire()

	res := waitResult(t, ch)
	if res.reason != ReasonKilled {
		t.Errorf("reason = %q, want %q", res.reason, ReasonKilled)
	}
	if got := spawner.Calls(); got != 1 {
		t.Errorf("spawn calls = %d, want 1", got)
	}
	if got := opts.Restarts.Count(); got != 1 {
		t.Errorf("restart count = %d, want 1", got)
	}
}

func TestSupervisor_ReadyResetsCount(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	spawner := newFakeSpawner()
	spawner.failFirst = 2
	opts := testOptions(spawner, 3)
	opts.HealthURL = health.URL + "/healthz"
	opts.ReadyPollInterval = 5 * time.Millisecond
	opts.ReadyTimeout = 5 * time.Second
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)
	ch := runAsync(s, context.Background())

	events.waitFor(t, EventReady)
	if got := opts.Restarts.Count(); got != 0 {
		t.Errorf("restart count after ready = %d, want 0", got)
	}
	snap := s.Snapshot()
	if !snap.Ready || snap.State != StateRunning || snap.Pid == 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	s.KillSwitch().Fire()
	if res := waitResult(t, ch); res.reason != ReasonKilled {
		t.Errorf("reason = %q, want %q", res.reason, ReasonKilled)
	}
}

func TestSupervisor_ReadyAfterGrace(t *testing.T) {
	spawner := newFakeSpawner()
	opts := testOptions(spawner, 3)
	opts.ReadyGrace = 10 * time.Millisecond
	opts.Restarts.Increment()
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)
	ch := runAsync(s, context.Background())

	events.waitFor(t, EventReady)
	if got := opts.Restarts.Count(); got != 0 {
		t.Errorf("restart count after grace = %d, want 0", got)
	}
	s.KillSwitch().Fire()
	waitResult(t, ch)
}

func TestSupervisor_UnhealthyWorkerNeverReady(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer health.Close()

	spawner := newFakeSpawner()
	opts := testOptions(spawner, 3)
	opts.HealthURL = health.URL + "/healthz"
	opts.ReadyPollInterval = 5 * time.Millisecond
	opts.ReadyTimeout = 30 * time.Millisecond
	opts.Restarts.Increment()
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)
	ch := runAsync(s, context.Background())

	events.waitFor(t, EventNotReady)
	if got := opts.Restarts.Count(); got != 1 {
		t.Errorf("restart count = %d, want 1", got)
	}
	if s.Snapshot().Ready {
		t.Error("worker reported ready")
	}
	s.KillSwitch().Fire()
	waitResult(t, ch)
}

func TestSupervisor_ContextCancel(t *testing.T) {
	spawner := newFakeSpawner()
	opts := testOptions(spawner, 3)
	s := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	ch := runAsync(s, ctx)

	p := waitSpawn(t, spawner)
	cancel()

	res := waitResult(t, ch)
	if res.reason != ReasonContext {
		t.Errorf("reason = %q, want %q", res.reason, ReasonContext)
	}
	if !p.killed.Load() {
		t.Error("worker was not killed on context cancellation")
	}
	if got := opts.Restarts.Count(); got != 0 {
		t.Errorf("restart count = %d, want 0", got)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Run returned")
	}
}

func TestSupervisor_EventSequence(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.exitImmediately = true
	opts := testOptions(spawner, 1)
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)

	waitResult(t, runAsync(s, context.Background()))

	want := []string{EventSpawn, EventExited, EventMaxRestarts, EventStopped}
	got := events.Types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSupervisor_RunTwice(t *testing.T) {
	spawner := newFakeSpawner()
	s := New(testOptions(spawner, 1))
	s.KillSwitch().Fire()
	waitResult(t, runAsync(s, context.Background()))

	if _, err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run error = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_Destroy(t *testing.T) {
	var gotMethod, gotPath string
	var mu sync.Mutex
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethod, gotPath = r.Method, r.URL.Path
		mu.Unlock()
	}))
	defer worker.Close()

	spawner := newFakeSpawner()
	opts := testOptions(spawner, 3)
	opts.DestroyURL = worker.URL + "/processManager/destroy"
	s := New(opts)

	ch := runAsync(s, context.Background())
	proc := waitSpawn(t, spawner)
	waitRunning(t, s)
	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	mu.Lock()
	if gotMethod != http.MethodDelete || gotPath != "/processManager/destroy" {
		t.Errorf("worker saw %s %s", gotMethod, gotPath)
	}
	mu.Unlock()

	if r := waitResult(t, ch); r.reason != ReasonKilled {
		t.Errorf("reason = %q, want %q", r.reason, ReasonKilled)
	}
	if !proc.killed.Load() {
		t.Error("expected the worker to be killed after the destroy call")
	}
	if !s.KillSwitch().Fired() {
		t.Error("expected Destroy to fire the kill switch")
	}
}

func TestSupervisor_DestroyBeforeStart(t *testing.T) {
	var calls atomic.Int32
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer worker.Close()

	spawner := newFakeSpawner()
	opts := testOptions(spawner, 3)
	opts.DestroyURL = worker.URL + "/processManager/destroy"
	s := New(opts)

	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy without worker: %v", err)
	}
	if r := waitResult(t, runAsync(s, context.Background())); r.reason != ReasonKilled {
		t.Errorf("reason = %q, want %q", r.reason, ReasonKilled)
	}
	if spawner.Calls() != 0 {
		t.Errorf("spawns = %d, want 0", spawner.Calls())
	}
	if calls.Load() != 0 {
		t.Errorf("destroy endpoint called %d times without a worker", calls.Load())
	}
}

// The worker may exit while answering the destroy call. That exit belongs
// to the shutdown and must not count as a failure.
func TestSupervisor_DestroyExitIsIntentional(t *testing.T) {
	var current atomic.Pointer[fakeProcess]
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := current.Load(); p != nil {
			p.exit(ExitStatus{Code: 0})
		}
		// Let the supervision loop observe the exit before the reply.
		time.Sleep(20 * time.Millisecond)
	}))
	defer worker.Close()

	spawner := newFakeSpawner()
	opts := testOptions(spawner, 1)
	opts.DestroyURL = worker.URL + "/processManager/destroy"
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)

	ch := runAsync(s, context.Background())
	current.Store(waitSpawn(t, spawner))
	waitRunning(t, s)

	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	s.KillSwitch().Fire()

	if r := waitResult(t, ch); r.reason != ReasonKilled {
		t.Errorf("reason = %q, want %q", r.reason, ReasonKilled)
	}
	if got := opts.Restarts.Count(); got != 0 {
		t.Errorf("restart count = %d, want 0", got)
	}
	if spawner.Calls() != 1 {
		t.Errorf("spawns = %d, want 1", spawner.Calls())
	}
	select {
	case <-s.MaxRestartsReached():
		t.Error("max restarts notification fired during shutdown")
	default:
	}
	for _, typ := range events.Types() {
		if typ == EventExited || typ == EventMaxRestarts {
			t.Errorf("unexpected %s event during shutdown: %v", typ, events.Types())
		}
	}
}

func TestSupervisor_ReadyEventCarriesClearedCount(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.failFirst = 1
	opts := testOptions(spawner, 3)
	opts.ReadyGrace = 10 * time.Millisecond
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)

	ch := runAsync(s, context.Background())
	ready := events.waitFor(t, EventReady)
	if ready.RestartCount != 1 {
		t.Errorf("ready event restart count = %d, want 1", ready.RestartCount)
	}
	if got := opts.Restarts.Count(); got != 0 {
		t.Errorf("restart count after ready = %d, want 0", got)
	}

	s.KillSwitch().Fire()
	waitResult(t, ch)
}

func TestSupervisor_ReapsOrphansBeforeFirstSpawn(t *testing.T) {
	var terminated []int
	reaper := &OrphanReaper{
		Port:   39291,
		Binary: "/opt/jan/cortex-server",
		listeners: func(ctx context.Context, port int) ([]int, error) {
			return []int{4242}, nil
		},
		cmdline: func(pid int) (string, error) {
			return "cortex-server --start-server --port 39291", nil
		},
		terminate: func(pid int, timeout time.Duration) error {
			terminated = append(terminated, pid)
			return nil
		},
	}

	spawner := newFakeSpawner()
	opts := testOptions(spawner, 1)
	opts.Reaper = reaper
	events := newEventRecorder()
	opts.Sink = events
	s := New(opts)
	s.KillSwitch().Fire()
	waitResult(t, runAsync(s, context.Background()))

	if len(terminated) != 1 || terminated[0] != 4242 {
		t.Errorf("terminated = %v, want [4242]", terminated)
	}
	if types := events.Types(); len(types) == 0 || types[0] != EventOrphanReaped {
		t.Errorf("events = %v, want orphan_reaped first", types)
	}
}

func TestKillSwitch(t *testing.T) {
	k := NewKillSwitch()
	if k.Fired() {
		t.Fatal("new switch reports fired")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Fire()
		}()
	}
	wg.Wait()

	if !k.Fired() {
		t.Error("switch not fired")
	}
	select {
	case <-k.Done():
	default:
		t.Error("Done not closed")
	}
}
