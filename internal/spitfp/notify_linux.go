//go:build linux

package spitfp

import "golang.org/x/sys/unix"

// EventFD is a Notifier backed by a Linux eventfd, matching the
// reactor's own wake channel (internal/reactor.Reactor) so a bricklet
// port's SPI thread can wake the reactor thread with the same
// semaphore-semantic primitive spec §5 describes.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking eventfd suitable for registration
// with reactor.Reactor.AddSource.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// FD returns the underlying file descriptor for reactor registration.
func (e *EventFD) FD() int { return e.fd }

// Signal adds one token (spec §5: "every response push signals one
// token").
func (e *EventFD) Signal() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(e.fd, buf[:])
}

// Drain reads and discards one token (spec §5: "every reactor dequeue
// reads one token"). Call once per PopResponse.
func (e *EventFD) Drain() {
	var buf [8]byte
	unix.Read(e.fd, buf[:])
}

// Close releases the eventfd.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
