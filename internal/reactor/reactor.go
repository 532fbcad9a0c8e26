//go:build linux

// Package reactor implements the level-triggered readiness multiplexer
// of spec §4.1: one thread polls generic file descriptors (client
// sockets, mesh sockets, USB-provided pollfds, SPITFP wake eventfds)
// plus nearest-deadline timers, and dispatches ready callbacks in
// source-insertion order with a deferred-tombstone removal discipline
// so callbacks may safely mutate the source table mid-batch.
//
// Grounded on the teacher's epoll wrapper
// (host/hal/linux/poller.go), generalised from a USB-only poller into
// the process-wide reactor spec §4.1 describes, and upgraded from raw
// syscall.Syscall6 to golang.org/x/sys/unix, which the rest of the
// retrieval pack (ehrlich-b-go-ublk, runZeroInc-sockstats) reaches for
// instead of hand-rolled syscall numbers.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinkerforge/brickd/internal/brickderr"
	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/metrics"
)

const maxEpollEvents = 64

// Reactor is the single-threaded readiness multiplexer described in
// spec §4.1. All routing, client I/O, USB completion handling, and mesh
// I/O run as callbacks on the goroutine that calls Run (spec §5:
// "Reactor thread: only in poll/select ... all sockets non-blocking").
type Reactor struct {
	epfd   int
	wakefd int

	mu      sync.Mutex
	sources []*source  // insertion order; index is stable until compaction
	byFD    map[int]int // fd -> index into sources

	timers *timerHeap

	running int32
	stop_   int32
}

// New creates a Reactor with its own epoll instance and wake eventfd.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		byFD:   make(map[int]int),
		timers: newTimerHeap(),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

// Close releases the reactor's epoll and eventfd descriptors. Call
// after Run has returned.
func (r *Reactor) Close() error {
	unix.Close(r.wakefd)
	return unix.Close(r.epfd)
}

func eventsToEpoll(e Events) uint32 {
	var m uint32
	if e&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	if e&EventPriority != 0 {
		m |= unix.EPOLLPRI
	}
	if e&EventError != 0 {
		m |= unix.EPOLLERR
	}
	return m
}

func epollToEvents(m uint32) Events {
	var e Events
	if m&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if m&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if m&unix.EPOLLPRI != 0 {
		e |= EventPriority
	}
	if m&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= EventError
	}
	return e
}

// AddSource registers handle (a file descriptor) for the given events
// and kind. callback is invoked with all of handle's ready events on
// each poll iteration where at least one requested event (or an error)
// is ready.
func (r *Reactor) AddSource(handle int, kind Kind, events Events, callback Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byFD[handle]; exists {
		return brickderr.ErrSourceTombstoned
	}

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(handle)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, handle, &ev); err != nil {
		return err
	}

	r.sources = append(r.sources, &source{handle: handle, kind: kind, events: events, callback: callback})
	r.byFD[handle] = len(r.sources) - 1
	logx.Debug(logx.ComponentReactor, "source added", "fd", handle, "kind", kind)
	return nil
}

// RemoveSource tombstones the source for handle. The entry is skipped
// by the remainder of the current dispatch batch and physically
// compacted afterward (spec §4.1).
func (r *Reactor) RemoveSource(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byFD[handle]
	if !ok {
		return
	}
	r.sources[idx].tombstoned = true
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, handle, nil)
	delete(r.byFD, handle)
}

// compact physically removes tombstoned sources, called once per batch
// after the caller's cleanup hook (spec §4.1 step (b)).
func (r *Reactor) compact() {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.sources[:0]
	for _, s := range r.sources {
		if s.tombstoned {
			continue
		}
		live = append(live, s)
	}
	r.sources = live
	r.byFD = make(map[int]int, len(live))
	for i, s := range live {
		r.byFD[s.handle] = i
	}
}

// AddTimer arms a one-shot or periodic timer driven by the reactor's
// nearest-deadline wait computation (spec §4.10). initial and interval
// of 0 disarm the timer. Returns a handle usable with RemoveTimer.
func (r *Reactor) AddTimer(initial, interval time.Duration, callback func()) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers.add(initial, interval, callback)
}

// RemoveTimer disarms a timer previously returned by AddTimer.
func (r *Reactor) RemoveTimer(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers.remove(handle)
}

// Stop requests the run loop to return promptly. Safe to call from any
// goroutine, including from within a callback.
func (r *Reactor) Stop() {
	atomic.StoreInt32(&r.stop_, 1)
	r.wake()
}

func (r *Reactor) wake() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(r.wakefd, buf[:])
}

func (r *Reactor) stopRequested() bool {
	return atomic.LoadInt32(&r.stop_) != 0
}

// Run blocks dispatching ready sources and due timers until Stop is
// called or a non-interrupted wait error occurs. cleanup, if non-nil,
// is invoked once after each dispatch batch, before tombstoned sources
// are physically removed (spec §4.1).
func (r *Reactor) Run(cleanup func()) error {
	atomic.StoreInt32(&r.running, 1)
	defer atomic.StoreInt32(&r.running, 0)

	var events [maxEpollEvents]unix.EpollEvent

	for {
		if r.stopRequested() {
			return nil
		}

		timeout := r.nextTimeout()
		n, err := unix.EpollWait(r.epfd, events[:], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return brickderr.ErrWaitFailed
		}

		ready := make(map[int]Events, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakefd {
				var buf [8]byte
				unix.Read(r.wakefd, buf[:])
				continue
			}
			ready[fd] = epollToEvents(events[i].Events)
		}

		start := time.Now()
		r.dispatchReady(ready)
		r.dispatchDueTimers()
		metrics.ReactorIterationSeconds.Observe(time.Since(start).Seconds())

		if cleanup != nil {
			cleanup()
		}
		r.compact()

		if r.stopRequested() {
			return nil
		}
	}
}

// dispatchReady invokes callbacks for ready sources in insertion order,
// skipping tombstoned entries, so same-poll readiness is never
// interleaved with I/O that was not ready in that poll (spec §4.1
// ordering guarantee).
func (r *Reactor) dispatchReady(ready map[int]Events) {
	r.mu.Lock()
	snapshot := make([]*source, len(r.sources))
	copy(snapshot, r.sources)
	r.mu.Unlock()

	for _, s := range snapshot {
		if s.tombstoned {
			continue
		}
		got, ok := ready[s.handle]
		if !ok {
			continue
		}
		want := got & s.events
		if want == 0 && got&EventError == 0 {
			continue
		}
		if s.callback != nil {
			s.callback(got)
		}
		if r.stopRequested() {
			return
		}
	}
}

func (r *Reactor) dispatchDueTimers() {
	r.mu.Lock()
	due := r.timers.popDue()
	r.mu.Unlock()

	for _, cb := range due {
		cb()
		if r.stopRequested() {
			return
		}
	}
}

// nextTimeout computes the epoll_wait timeout in milliseconds from the
// nearest-armed timer deadline, or -1 (infinite) if none are armed.
func (r *Reactor) nextTimeout() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.timers.nextDeadline()
	if !ok {
		return -1
	}
	ms := int(time.Until(d) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}
