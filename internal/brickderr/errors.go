// Package brickderr defines the sentinel errors and error-kind taxonomy
// shared across the routing and framing core (see spec §7).
package brickderr

import "errors"

// Kind classifies an error for dispatch-site recovery policy (§7).
type Kind int

const (
	// KindTransient covers interrupted or would-block I/O; retry silently.
	KindTransient Kind = iota
	// KindConnectionLoss covers peer reset or device unplug; clean up the
	// owning Stack/Client and synthesize enumerate-disconnected callbacks.
	KindConnectionLoss
	// KindProtocol covers a bad header, length mismatch, bad checksum, or
	// bad opcode; drop the offending frame and keep the session alive if
	// framing can be resynchronised.
	KindProtocol
	// KindResourceExhaustion covers a full write queue or pending-request
	// queue; evict the oldest entry and warn.
	KindResourceExhaustion
	// KindFatal covers event-source table corruption, thread-spawn
	// failure at startup, or an unreapable critical transfer; log and exit.
	KindFatal
)

// Classified pairs a sentinel error with its recovery kind.
type Classified struct {
	error
	Kind Kind
}

func classify(msg string, kind Kind) Classified {
	return Classified{error: errors.New(msg), Kind: kind}
}

// Packet model errors (§3.1, §4.2).
var (
	ErrPacketTooShort   = classify("packet shorter than header", KindProtocol)
	ErrPacketTooLong    = classify("packet exceeds maximum length", KindProtocol)
	ErrZeroFunctionID   = classify("function id is zero", KindProtocol)
	ErrZeroSequence     = classify("sequence number is zero on a request", KindProtocol)
	ErrZeroUID          = classify("uid is zero on a response", KindProtocol)
	ErrResponseExpected = classify("response-expected bit not set on response", KindProtocol)
)

// Router / stack errors (§4.3, §4.4).
var (
	ErrDropped         = classify("stack dropped the request", KindTransient)
	ErrRouteNotFound   = classify("no stack claims this uid", KindTransient)
	ErrStackDispatch   = classify("stack dispatch failed", KindProtocol)
	ErrRegistryClosed  = classify("hardware registry is shutting down", KindFatal)
	ErrUnknownRecipient = classify("recipient is not known to the stack", KindTransient)
)

// Client / authentication errors (§4.5, §6).
var (
	ErrFunctionNotSupported = classify("function not supported in current auth state", KindProtocol)
	ErrAuthMismatch         = classify("authentication digest mismatch", KindConnectionLoss)
	ErrPendingQueueFull     = classify("pending request queue full", KindResourceExhaustion)
	ErrSendBufferFull       = classify("client send buffer over high-water mark", KindResourceExhaustion)
	ErrSessionClosed        = classify("client session closed", KindConnectionLoss)
)

// USB / Brick errors (§4.6).
var (
	ErrOverflowQueueFull = classify("brick write overflow queue at capacity", KindResourceExhaustion)
	ErrNoIdleTransfer    = classify("no idle write transfer available", KindResourceExhaustion)
	ErrTransferUnreapable = classify("usb transfer could not be reaped on teardown", KindFatal)
	ErrShortRead         = classify("usb read shorter than declared header length", KindProtocol)
)

// SPITFP errors (§4.7).
var (
	ErrChecksumMismatch = classify("spitfp pearson checksum mismatch", KindProtocol)
	ErrBadFrameLength   = classify("spitfp frame length out of range", KindProtocol)
	ErrAckTimeout       = classify("spitfp ack not received within timeout", KindTransient)
	ErrRingBufferFull   = classify("spitfp receive ring buffer full", KindResourceExhaustion)
	ErrWakeSignalSkew   = classify("spitfp notify eventfd semaphore out of sync", KindFatal)
)

// Mesh errors (§4.8).
var (
	ErrMeshBadHeader    = classify("mesh header failed validation", KindProtocol)
	ErrMeshLengthSkew   = classify("mesh outer length does not match inner packet", KindProtocol)
	ErrMeshWrongDirection = classify("mesh hello direction or protocol mismatch", KindProtocol)
	ErrMeshCleanupPending = classify("mesh stack marked for cleanup", KindConnectionLoss)
)

// Reactor errors (§4.1).
var (
	ErrReactorStopped   = classify("reactor stop requested", KindTransient)
	ErrSourceTombstoned = classify("event source already tombstoned", KindFatal)
	ErrWaitFailed       = classify("reactor wait syscall failed", KindFatal)
)

// Is reports whether err wraps the given Classified sentinel.
func Is(err error, target Classified) bool {
	return errors.Is(err, target.error)
}
