package supervisor

// Event types reported to an EventSink.
const (
	EventSpawn            = "spawn"
	EventSpawnFailed      = "spawn_failed"
	EventReady            = "ready"
	EventNotReady         = "not_ready"
	EventExited           = "exited"
	EventKilled           = "killed"
	EventRestartScheduled = "restart_scheduled"
	EventMaxRestarts      = "max_restarts_reached"
	EventStopped          = "stopped"
	EventOrphanReaped     = "orphan_reaped"
)

// Event is a worker lifecycle transition.
type Event struct {
	Type         string
	Pid          int
	Attempt      int
	RestartCount int // on ready events, the count that readiness just cleared
	Details      string
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	WorkerEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) WorkerEvent(e Event) { f(e) }
