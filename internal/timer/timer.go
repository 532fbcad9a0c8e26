// Package timer implements spec §4.10: monotonic one-shot or repeating
// timers owned by stacks, with callbacks run on the reactor thread and
// microsecond-resolution configuration ("0, 0" disarms).
package timer

import (
	"time"

	"github.com/tinkerforge/brickd/internal/logx"
)

// Host is the subset of *reactor.Reactor a Timer needs. Defining it
// here (rather than importing the reactor package directly) keeps
// internal/timer usable from tests without constructing a real epoll
// instance, and mirrors the teacher's hal.DeviceHAL/hal.HostHAL
// interface-seam convention for swapping the backing implementation.
type Host interface {
	AddTimer(initial, interval time.Duration, callback func()) int
	RemoveTimer(handle int)
}

// Timer is a single named, reconfigurable timer owned by a stack (the
// mesh session's wait-hello, ping, pong and cleanup timers).
type Timer struct {
	host   Host
	name   string
	handle int
	armed  bool
}

// New creates a disarmed timer. Call Configure to arm it.
func New(host Host, name string) *Timer {
	return &Timer{host: host, name: name}
}

// Configure arms the timer to fire after initial, then every interval
// thereafter (0 interval means one-shot). Configure(0, 0) disarms.
// Re-configuring an armed timer replaces its previous schedule.
func (t *Timer) Configure(initial, interval time.Duration, callback func()) {
	if t.armed {
		t.host.RemoveTimer(t.handle)
		t.armed = false
	}
	if initial <= 0 && interval <= 0 {
		logx.Debug(logx.ComponentTimer, "timer disarmed", "name", t.name)
		return
	}
	t.handle = t.host.AddTimer(initial, interval, callback)
	t.armed = true
	logx.Debug(logx.ComponentTimer, "timer armed", "name", t.name, "initial", initial, "interval", interval)
}

// Disarm stops the timer from firing again.
func (t *Timer) Disarm() {
	if t.armed {
		t.host.RemoveTimer(t.handle)
		t.armed = false
	}
}

// Armed reports whether the timer currently has a live schedule.
func (t *Timer) Armed() bool { return t.armed }
