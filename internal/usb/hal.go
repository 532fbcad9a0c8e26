// Package usb implements the USB Stack / Brick (C6) of spec §4.6: the
// per-device read/write transfer pools, the write-overflow queue, and
// the dispatch contract that plugs a Brick into the Hardware Registry
// as a stack.Stack.
//
// The actual libusb bindings are an external collaborator per spec §1/
// §9 ("Non-goals: actual libusb ... kernel bindings"); HAL below is the
// seam, modeled on the teacher's host/hal.HostHAL async-transfer shape
// (github.com/ardnew/softusb/host/hal) but adapted from its
// host-controller-port view to libusb's per-device submit/callback
// asynchronous transfer API, which is what a Brick's read/write
// transfer pools actually need.
package usb

import "time"

// HAL opens and operates on a single already-enumerated Brick device.
// A real implementation wraps libusb (or gousb); see DESIGN.md.
type HAL interface {
	// Open resets the device at bus/address, claims the fixed vendor
	// interface, and reads its product/serial string descriptors.
	Open(bus, address int) (DeviceHandle, error)
}

// DeviceHandle is one open USB device.
type DeviceHandle interface {
	ProductString() string
	SerialString() string

	// SubmitRead and SubmitWrite enqueue an asynchronous bulk transfer.
	// onComplete is invoked from the HAL's event-handling goroutine with
	// the number of bytes transferred (for reads: into buf) and any
	// error.
	SubmitRead(buf []byte, onComplete func(n int, err error)) (TransferHandle, error)
	SubmitWrite(buf []byte, onComplete func(n int, err error)) (TransferHandle, error)

	// CancelTransfer requests cancellation of a submitted transfer; its
	// completion callback still fires, with an error, once the
	// cancellation is reaped.
	CancelTransfer(TransferHandle) error

	// HandleEventsTimeout pumps the HAL's completion-event loop for up
	// to timeout, used during teardown to reap cancellations (spec
	// §4.6: "spin on libusb_handle_events_timeout").
	HandleEventsTimeout(timeout time.Duration) error

	Close() error
}

// TransferHandle identifies one submitted transfer for cancellation.
type TransferHandle interface{}
