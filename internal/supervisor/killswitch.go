package supervisor

import "sync"

// KillSwitch is the host's way to stop the worker for good. Firing it is
// idempotent and safe from any goroutine; the supervisor is its only
// consumer and treats it as an intentional termination.
type KillSwitch struct {
	once sync.Once
	ch   chan struct{}
}

func NewKillSwitch() *KillSwitch {
	return &KillSwitch{ch: make(chan struct{})}
}

// Fire requests the kill. Only the first call has an effect.
func (k *KillSwitch) Fire() {
	k.once.Do(func() { close(k.ch) })
}

// Done is closed once the switch has fired.
func (k *KillSwitch) Done() <-chan struct{} {
	return k.ch
}

// Fired reports whether Fire has been called.
func (k *KillSwitch) Fired() bool {
	select {
	case <-k.ch:
		return true
	default:
		return false
	}
}
