// Package client implements the Client Session (C5) of spec §4.5: the
// per-connection receive/send state machines, the authentication
// handshake, and the pending-request queue the Router matches
// responses against.
package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/queue"
	"github.com/tinkerforge/brickd/internal/router"
	"github.com/tinkerforge/brickd/internal/tfp"
)

// Transport is the byte-stream abstraction a Session reads from and
// writes to. Both the plain TCP listener and the WebSocket adapter
// (wsconn.go) satisfy this.
type Transport interface {
	io.ReadWriteCloser
}

// Default soft caps for the per-client send buffer and pending-request
// queue (spec §4.5: "soft cap", "bounded ... recommended >= 16").
const (
	SendBufferHighWater = 64 * 1024
	SendBufferLowWater  = 16 * 1024
	PendingQueueCap     = 16
)

// DisconnectProbeIdleThreshold is how long a session may go without any
// received frame before it is probed on UID 1 function 128 (spec §6,
// C5 expansion: "an idle client may be probed with a zero-payload
// disconnect-probe request").
const DisconnectProbeIdleThreshold = 5 * time.Second

// Dispatcher is the subset of *router.Router a Session needs to hand a
// validated request off to, kept as an interface for testability.
type Dispatcher interface {
	DispatchRequest(client router.Client, header tfp.Header, frame []byte)
}

// Session is one connected client (spec §3.3).
type Session struct {
	transport Transport
	dispatch  Dispatcher
	auth      *authState

	mu           sync.Mutex
	pending      *queue.Queue[router.PendingEntry]
	sendBuf      []byte
	slow         bool
	closed       bool
	recvBuf      []byte
	lastActivity time.Time
	probeSent    bool
}

// New creates a Session. secret, if non-empty, enables the
// authentication handshake (spec §4.5); an empty secret starts the
// session already authenticated.
func New(transport Transport, dispatch Dispatcher, secret []byte) *Session {
	s := &Session{
		transport:    transport,
		dispatch:     dispatch,
		pending:      queue.New[router.PendingEntry](),
		lastActivity: time.Now(),
	}
	s.auth = newAuthState(secret)
	return s
}

// Run drives the receive state machine until the transport closes or
// ctx is cancelled. It is meant to run in its own goroutine per
// session, matching the teacher's one-goroutine-per-connection texture.
func (s *Session) Run(ctx context.Context) error {
	defer s.closeTransport()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.transport.Read(buf)
		if n > 0 {
			s.feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// feed appends newly read bytes to the receive buffer and extracts as
// many complete frames as are available (spec §4.5 receive FSM: "read
// until an 8-byte header is buffered, validate, then read until length
// bytes are buffered").
func (s *Session) feed(data []byte) {
	s.mu.Lock()
	s.recvBuf = append(s.recvBuf, data...)
	s.mu.Unlock()

	for {
		frame, ok := s.extractFrame()
		if !ok {
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) extractFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.recvBuf) < tfp.HeaderSize {
		return nil, false
	}
	header, err := tfp.ParseHeader(s.recvBuf)
	if err != nil {
		logx.Warn(logx.ComponentClient, "header parse failed, closing session", "err", err)
		s.closed = true
		return nil, false
	}
	if err := tfp.ValidateRequest(header); err != nil {
		logx.Warn(logx.ComponentClient, "invalid request header, closing session", "err", err)
		s.closed = true
		return nil, false
	}
	if len(s.recvBuf) < int(header.Length) {
		return nil, false
	}
	frame := make([]byte, header.Length)
	copy(frame, s.recvBuf[:header.Length])
	s.recvBuf = s.recvBuf[header.Length:]
	return frame, true
}

func (s *Session) handleFrame(frame []byte) {
	header, err := tfp.ParseHeader(frame)
	if err != nil {
		return
	}
	s.noteActivity()

	if header.UID == tfp.UIDBrickDaemon && header.FunctionID == tfp.FunctionDisconnectProbe {
		// The client's own answer to our probe; liveness already
		// recorded above, nothing else to do with it.
		return
	}

	if tfp.IsDaemonAuthRequest(header) {
		outcome := s.auth.handle(header, frame[tfp.HeaderSize:])
		if outcome.response != nil {
			s.enqueueSend(outcome.response)
		}
		if outcome.disconnect {
			s.closeTransport()
		}
		return
	}

	if !s.auth.permits(header) {
		logx.Debug(logx.ComponentClient, "request rejected by authentication state", "fid", header.FunctionID)
		s.writeErrorResponse(header, tfp.ErrorCodeFunctionNotSupported)
		return
	}

	if s.dispatch != nil {
		s.dispatch.DispatchRequest(clientAdapter{s}, header, frame)
	}
}

// writeErrorResponse synthesizes a zero-payload error response for a
// request the daemon refuses to forward (spec §4.5: "error with
// function-not-supported").
func (s *Session) writeErrorResponse(req tfp.Header, code tfp.ErrorCode) {
	if !req.ResponseExpected() {
		return
	}
	resp := req
	resp.Length = tfp.HeaderSize
	resp.SetErrorCode(code)
	buf := make([]byte, tfp.HeaderSize)
	_ = tfp.MarshalHeader(resp, buf)
	s.enqueueSend(buf)
}

// AddPending implements router.Client.
func (s *Session) AddPending(p tfp.Pending) {
	evicted, didEvict := s.pending.PushBounded(router.PendingEntry{Pending: p, Timestamp: time.Now()}, PendingQueueCap)
	if didEvict {
		logx.Warn(logx.ComponentClient, "pending-request queue full, expiring oldest entry", "uid", evicted.UID, "fid", evicted.FunctionID)
	}
}

// MatchAndDeliver implements router.Client.
func (s *Session) MatchAndDeliver(header tfp.Header, frame []byte) bool {
	_, removed := s.pending.RemoveFunc(func(e router.PendingEntry) bool {
		return tfp.MatchesPending(header, e.Pending)
	})
	if !removed {
		return false
	}
	s.enqueueSend(frame)
	return true
}

// DeliverCallback implements router.Client.
func (s *Session) DeliverCallback(frame []byte) bool {
	if s.IsSlow() {
		return false
	}
	s.enqueueSend(frame)
	return true
}

// IsSlow implements router.Client.
func (s *Session) IsSlow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slow
}

// ExpirePendingOlderThan implements router.Client.
func (s *Session) ExpirePendingOlderThan(threshold time.Duration) int {
	now := time.Now()
	return len(s.pending.RemoveAllFunc(func(e router.PendingEntry) bool {
		return now.Sub(e.Timestamp) > threshold
	}))
}

// noteActivity records that a frame was received, clearing any
// outstanding disconnect probe.
func (s *Session) noteActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.probeSent = false
	s.mu.Unlock()
}

// CheckIdle is called periodically (one reactor timer tick) for every
// live session. If the session has gone quiet for
// DisconnectProbeIdleThreshold, it sends a disconnect-probe request; if
// a previously sent probe went unanswered through the following tick,
// it reports the session as dead so the caller can close it (spec §6,
// C5 expansion).
func (s *Session) CheckIdle(idleThreshold time.Duration) (shouldClose bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.probeSent {
		s.mu.Unlock()
		return true
	}
	if time.Since(s.lastActivity) < idleThreshold {
		s.mu.Unlock()
		return false
	}
	s.probeSent = true
	s.mu.Unlock()

	h := tfp.Header{UID: tfp.UIDBrickDaemon, Length: tfp.HeaderSize, FunctionID: tfp.FunctionDisconnectProbe}
	h.SetResponseExpected(true)
	buf := make([]byte, tfp.HeaderSize)
	_ = tfp.MarshalHeader(h, buf)
	s.enqueueSend(buf)
	return false
}

// enqueueSend appends frame to the outbound buffer, flipping the slow
// flag at the high-water mark (spec §4.5 send side).
func (s *Session) enqueueSend(frame []byte) {
	s.mu.Lock()
	s.sendBuf = append(s.sendBuf, frame...)
	if len(s.sendBuf) >= SendBufferHighWater {
		if !s.slow {
			logx.Warn(logx.ComponentClient, "client send buffer at high-water mark, flagging slow")
		}
		s.slow = true
	}
	pending := s.sendBuf
	s.mu.Unlock()

	n, err := s.transport.Write(pending)
	if err != nil {
		logx.Debug(logx.ComponentClient, "write failed", "err", err)
		return
	}

	s.mu.Lock()
	s.sendBuf = s.sendBuf[n:]
	if s.slow && len(s.sendBuf) < SendBufferLowWater {
		s.slow = false
		logx.Info(logx.ComponentClient, "client send buffer drained below low-water mark, clearing slow flag")
	}
	s.mu.Unlock()
}

// Close tears down the session's transport, e.g. after a failed
// disconnect-probe liveness check.
func (s *Session) Close() {
	s.closeTransport()
}

func (s *Session) closeTransport() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.transport.Close(); err != nil {
		logx.Debug(logx.ComponentClient, "close error", "err", err)
	}
}

// clientAdapter adapts *Session to router.Client without exposing
// Session's full surface in the router package's interface.
type clientAdapter struct{ s *Session }

func (c clientAdapter) AddPending(p tfp.Pending) { c.s.AddPending(p) }

func (c clientAdapter) MatchAndDeliver(h tfp.Header, f []byte) bool {
	return c.s.MatchAndDeliver(h, f)
}

func (c clientAdapter) DeliverCallback(f []byte) bool { return c.s.DeliverCallback(f) }

func (c clientAdapter) IsSlow() bool { return c.s.IsSlow() }

func (c clientAdapter) ExpirePendingOlderThan(d time.Duration) int {
	return c.s.ExpirePendingOlderThan(d)
}

var _ router.Client = clientAdapter{}
