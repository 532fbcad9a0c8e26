package mesh

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/tinkerforge/brickd/internal/brickderr"
	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/router"
	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
	"github.com/tinkerforge/brickd/internal/timer"
)

// State is a mesh Session's position in the handshake/heartbeat state
// machine (spec §3.6/§4.8).
type State int

const (
	StateWaitHello State = iota
	StateOperational
	StateCleanupPending
)

// RootPolicy selects how a duplicate root hello is resolved (spec
// §4.8: "policy single-root" vs "policy multi-root"). SPEC_FULL.md
// promotes this from an implicit build-time choice in the original to
// an explicit, config-driven field (see DESIGN.md).
type RootPolicy int

const (
	RootPolicySingleRoot RootPolicy = iota
	RootPolicyMultiRoot
)

// Timer durations (spec §4.8, §5 "Timeouts").
const (
	WaitHelloTimeout = 8 * time.Second
	DoPingInterval   = 8 * time.Second
	WaitPongTimeout  = 4 * time.Second
	CleanupDelay     = 4 * time.Second
)

const responseBufferCap = 512

// hello payload layout, grounded on
// original_source/src/brickd/mesh_packet.h's MeshHelloPacket: a
// one-byte is_root_node flag, group_id[6], prefix[16] (NUL-padded
// ASCII), firmware_version[3].
const (
	helloIsRootOffset  = 0
	helloGroupIDOffset = helloIsRootOffset + 1
	helloPrefixOffset  = helloGroupIDOffset + 6
	helloFirmwareOffset = helloPrefixOffset + 16
	helloPayloadSize    = helloFirmwareOffset + 3
)

// Conn is the byte-stream a Session reads/writes; satisfied by a plain
// TCP *net.TCPConn accepted on listen.mesh_gateway_port.
type Conn interface {
	io.ReadWriteCloser
}

// Manager tracks every live mesh Session so a root-claiming hello can
// be checked against the others (spec §4.8: "reset any prior stack
// with the same group id" / "whose root address equals this peer's").
type Manager struct {
	router     *router.Router
	registry   *stack.Registry
	gatewayAddr [6]byte
	policy     RootPolicy

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewManager creates a mesh Manager bound to the shared Router and
// Hardware Registry. gatewayAddr is this daemon's mesh source address;
// policy selects the duplicate-root resolution rule (SPEC_FULL.md
// config key mesh.root_policy).
func NewManager(r *router.Router, registry *stack.Registry, gatewayAddr [6]byte, policy RootPolicy) *Manager {
	return &Manager{
		router:      r,
		registry:    registry,
		gatewayAddr: gatewayAddr,
		policy:      policy,
		sessions:    make(map[*Session]struct{}),
	}
}

// Accept wraps a freshly-accepted TCP connection in a new Session in
// StateWaitHello, registers it with the manager, and arms its
// wait_hello timer.
func (m *Manager) Accept(conn Conn, timerHost timer.Host) *Session {
	s := &Session{
		conn:    conn,
		manager: m,
		state:   StateWaitHello,
	}
	s.waitHelloTimer = timer.New(timerHost, "mesh.wait_hello")
	s.doPingTimer = timer.New(timerHost, "mesh.do_ping")
	s.waitPongTimer = timer.New(timerHost, "mesh.wait_pong")
	s.cleanupTimer = timer.New(timerHost, "mesh.cleanup")

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	s.waitHelloTimer.Configure(WaitHelloTimeout, 0, s.onWaitHelloTimeout)
	logx.Info(logx.ComponentMesh, "mesh session accepted, awaiting hello")
	return s
}

// forEachOther calls fn for every session other than exclude.
func (m *Manager) forEachOther(exclude *Session, fn func(*Session)) {
	m.mu.Lock()
	others := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		if s != exclude {
			others = append(others, s)
		}
	}
	m.mu.Unlock()
	for _, s := range others {
		fn(s)
	}
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

// Session is one mesh TCP connection to a root (or sub-) node (spec
// §3.6, §4.8).
type Session struct {
	conn    Conn
	manager *Manager

	waitHelloTimer *timer.Timer
	doPingTimer    *timer.Timer
	waitPongTimer  *timer.Timer
	cleanupTimer   *timer.Timer

	mu          sync.Mutex
	state       State
	prefix      string
	groupID     [6]byte
	rootFirmware [3]byte
	rootAddr    [6]byte
	cleanup     bool

	recvBuf []byte

	Stack *stack.Stack
}

// State reports the session's current position in the state machine.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Feed appends newly-read bytes and processes as many complete mesh
// frames as are buffered (spec §4.8 "Receive framing").
func (s *Session) Feed(data []byte) {
	s.mu.Lock()
	s.recvBuf = append(s.recvBuf, data...)
	s.mu.Unlock()

	for {
		frame, ok := s.extractFrame()
		if !ok {
			return
		}
		if frame == nil {
			return // marked for cleanup
		}
		s.handleFrame(frame)
	}
}

// extractFrame validates one buffered mesh header and returns the full
// frame (header + payload) once outer_length bytes are available.
// Returns (nil, true) if the session was marked for cleanup due to a
// framing violation.
func (s *Session) extractFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.recvBuf) < HeaderSize {
		return nil, false
	}
	header, err := ParseHeader(s.recvBuf)
	if err != nil {
		logx.Warn(logx.ComponentMesh, "mesh header validation failed, marking for cleanup", "err", err)
		s.markCleanupLocked()
		return nil, true
	}
	if int(header.Length) < HeaderSize || int(header.Length) > responseBufferCap {
		logx.Warn(logx.ComponentMesh, "mesh frame length out of range, marking for cleanup", "length", header.Length)
		s.markCleanupLocked()
		return nil, true
	}
	if len(s.recvBuf) < int(header.Length) {
		return nil, false
	}
	frame := make([]byte, header.Length)
	copy(frame, s.recvBuf[:header.Length])
	s.recvBuf = s.recvBuf[header.Length:]
	return frame, true
}

func (s *Session) markCleanupLocked() {
	s.state = StateCleanupPending
	s.cleanup = true
}

func (s *Session) handleFrame(frame []byte) {
	header, err := ParseHeader(frame)
	if err != nil {
		return
	}
	payload := frame[HeaderSize:]

	switch header.Type {
	case MessageHello:
		s.handleHello(header, payload)
	case MessageOlleh:
		// The daemon is the gateway, not a leaf; it never sends hello
		// upward, so an olleh received here is unexpected and ignored.
	case MessageReset:
		s.handleReset()
	case MessagePing:
		s.handlePing(header)
	case MessagePong:
		s.handlePong()
	case MessageTFP:
		s.handleTFP(header, payload)
	default:
		logx.Warn(logx.ComponentMesh, "unknown mesh message type, marking for cleanup", "type", header.Type)
		s.mu.Lock()
		s.markCleanupLocked()
		s.mu.Unlock()
	}
}

// handleHello implements spec §4.8's hello handler: validate
// direction/protocol, apply the duplicate-root policy, create the
// Stack, register with the Hardware Registry, reply olleh, and
// transition to operational.
func (s *Session) handleHello(header Header, payload []byte) {
	if !header.IsUpward() || header.Protocol() != ProtocolBinary {
		logx.Warn(logx.ComponentMesh, "mesh hello direction/protocol mismatch, marking for cleanup", "err", brickderr.ErrMeshWrongDirection)
		s.mu.Lock()
		s.markCleanupLocked()
		s.mu.Unlock()
		return
	}
	if len(payload) < helloPayloadSize {
		logx.Warn(logx.ComponentMesh, "mesh hello payload too short, marking for cleanup")
		s.mu.Lock()
		s.markCleanupLocked()
		s.mu.Unlock()
		return
	}

	isRoot := payload[helloIsRootOffset] != 0
	var groupID [6]byte
	copy(groupID[:], payload[helloGroupIDOffset:helloGroupIDOffset+6])
	prefix := string(bytes.TrimRight(payload[helloPrefixOffset:helloPrefixOffset+16], "\x00"))
	var firmware [3]byte
	copy(firmware[:], payload[helloFirmwareOffset:helloFirmwareOffset+3])

	if isRoot {
		s.applyDuplicateRootPolicy(groupID, header.Src)
	}

	s.mu.Lock()
	s.groupID = groupID
	s.prefix = prefix
	s.rootFirmware = firmware
	s.rootAddr = header.Src
	s.state = StateOperational
	s.mu.Unlock()

	name := "mesh-" + prefix
	s.Stack = stack.New(name, s.dispatch, s.onDisconnect)
	s.manager.registry.Add(s.Stack)

	olleh := Header{
		Flags: 0,
		Dest:  header.Src,
		Src:   s.manager.gatewayAddr,
		Type:  MessageOlleh,
	}
	olleh.SetProtocol(ProtocolBinary)
	s.sendFrame(olleh, nil)

	s.doPingTimer.Configure(DoPingInterval, DoPingInterval, s.onDoPingTimer)
	s.waitHelloTimer.Disarm()

	logx.Info(logx.ComponentMesh, "mesh hello accepted, stack operational", "prefix", prefix, "is_root", isRoot)
}

// applyDuplicateRootPolicy implements spec §4.8's single-root/
// multi-root duplicate resolution.
func (s *Session) applyDuplicateRootPolicy(groupID, rootAddr [6]byte) {
	s.manager.forEachOther(s, func(other *Session) {
		other.mu.Lock()
		match := false
		switch s.manager.policy {
		case RootPolicySingleRoot:
			match = other.groupID == groupID
		case RootPolicyMultiRoot:
			match = other.rootAddr == rootAddr
		}
		other.mu.Unlock()
		if match {
			other.broadcastReset()
			other.mu.Lock()
			other.markCleanupLocked()
			other.mu.Unlock()
		}
	})
}

// handlePing replies with a pong (not state-changing).
func (s *Session) handlePing(header Header) {
	pong := Header{
		Dest: header.Src,
		Src:  s.manager.gatewayAddr,
		Type: MessagePong,
	}
	pong.SetProtocol(ProtocolBinary)
	s.sendFrame(pong, nil)
}

// handlePong disarms the wait-pong timer.
func (s *Session) handlePong() {
	s.waitPongTimer.Disarm()
}

// handleReset propagates into a local cleanup; the peer is telling us
// it is resetting.
func (s *Session) handleReset() {
	s.mu.Lock()
	s.markCleanupLocked()
	s.mu.Unlock()
}

// handleTFP validates the inner TFP response and routes it through the
// shared Router (spec §4.8 "Receive framing").
func (s *Session) handleTFP(header Header, payload []byte) {
	if int(header.Length) != HeaderSize+len(payload) {
		logx.Warn(logx.ComponentMesh, "mesh outer length does not match inner packet, marking for cleanup", "err", brickderr.ErrMeshLengthSkew)
		s.mu.Lock()
		s.markCleanupLocked()
		s.mu.Unlock()
		return
	}
	inner, err := tfp.ParseHeader(payload)
	if err != nil || int(inner.Length) != len(payload) {
		logx.Warn(logx.ComponentMesh, "mesh tfp sub-packet malformed, marking for cleanup")
		s.mu.Lock()
		s.markCleanupLocked()
		s.mu.Unlock()
		return
	}
	if err := tfp.ValidateResponse(inner); err != nil {
		logx.Warn(logx.ComponentMesh, "mesh tfp sub-packet failed response validation, marking for cleanup", "err", err)
		s.mu.Lock()
		s.markCleanupLocked()
		s.mu.Unlock()
		return
	}

	frame := make([]byte, len(payload))
	copy(frame, payload)

	var recipient router.Recipient
	if !IsBroadcastAddress(header.Src) {
		recipient = router.Recipient{Addr: header.Src, HasAddr: true}
	}
	s.manager.router.DispatchResponse(s.Stack, inner, frame, recipient)
}

// onDisconnect implements stack.DisconnectFunc (spec §3.2, §7, §8).
func (s *Session) onDisconnect(uidLE uint32) {
	if s.manager == nil || s.manager.router == nil {
		return
	}
	frame := tfp.BuildDisconnectedCallback(uidLE)
	header, err := tfp.ParseHeader(frame)
	if err != nil {
		return
	}
	s.manager.router.DispatchResponse(s.Stack, header, frame, router.Recipient{})
}

// dispatch implements stack.DispatchFunc: wrap the TFP request in a
// mesh tfp frame, direction downward, destination the recipient's
// opaque address (or all-zeros for a broadcast), per spec §4.8
// "Dispatch from Router".
func (s *Session) dispatch(request []byte, recipient *stack.Recipient, force bool) stack.Result {
	var dest [6]byte
	if recipient != nil && recipient.HasAddr {
		dest = recipient.Addr
	}

	h := Header{
		Dest: dest,
		Src:  s.manager.gatewayAddr,
		Type: MessageTFP,
	}
	h.SetProtocol(ProtocolBinary)
	if err := s.sendFrame(h, request); err != nil {
		return stack.Err
	}
	return stack.Accepted
}

// onDoPingTimer sends a heartbeat ping and arms the wait-pong timeout.
func (s *Session) onDoPingTimer() {
	ping := Header{
		Dest: s.peerRootAddr(),
		Src:  s.manager.gatewayAddr,
		Type: MessagePing,
	}
	ping.SetProtocol(ProtocolBinary)
	s.sendFrame(ping, nil)
	s.waitPongTimer.Configure(WaitPongTimeout, 0, s.onWaitPongTimeout)
}

func (s *Session) peerRootAddr() [6]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootAddr
}

// onWaitPongTimeout marks the session for cleanup after a missed pong.
func (s *Session) onWaitPongTimeout() {
	logx.Warn(logx.ComponentMesh, "mesh peer missed heartbeat pong, marking for cleanup")
	s.mu.Lock()
	s.markCleanupLocked()
	s.mu.Unlock()
}

// onWaitHelloTimeout implements spec §4.8: broadcast a reset, then
// delay destruction to let it propagate.
func (s *Session) onWaitHelloTimeout() {
	logx.Warn(logx.ComponentMesh, "mesh peer never said hello, broadcasting reset")
	s.broadcastReset()
	s.mu.Lock()
	s.state = StateCleanupPending
	s.mu.Unlock()
	s.cleanupTimer.Configure(CleanupDelay, 0, s.onCleanupTimeout)
}

func (s *Session) broadcastReset() {
	reset := Header{
		Dest: [6]byte{},
		Src:  s.manager.gatewayAddr,
		Type: MessageReset,
	}
	reset.SetProtocol(ProtocolBinary)
	s.sendFrame(reset, nil)
}

// onCleanupTimeout performs delayed destruction after a broadcast
// reset (spec §4.8 wait_hello_timer firing).
func (s *Session) onCleanupTimeout() {
	s.Destroy()
}

// sendFrame marshals header+payload and writes it to the connection.
func (s *Session) sendFrame(h Header, payload []byte) error {
	h.Length = uint16(HeaderSize + len(payload))
	buf := make([]byte, h.Length)
	if err := MarshalHeader(h, buf); err != nil {
		return err
	}
	copy(buf[HeaderSize:], payload)
	_, err := s.conn.Write(buf)
	if err != nil {
		logx.Debug(logx.ComponentMesh, "mesh write failed", "err", err)
	}
	return err
}

// IsCleanupPending reports whether this session is waiting to be
// destroyed (spec §3.6 cleanup_flag).
func (s *Session) IsCleanupPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanup
}

// Destroy tears the session down: disarms all timers, destroys the
// Stack (announcing disconnect for every known UID), removes it from
// the Hardware Registry, forgets the session in the Manager, and
// closes the connection.
func (s *Session) Destroy() {
	s.waitHelloTimer.Disarm()
	s.doPingTimer.Disarm()
	s.waitPongTimer.Disarm()
	s.cleanupTimer.Disarm()

	if s.Stack != nil {
		s.Stack.Destroy()
		s.manager.registry.Remove(s.Stack)
	}
	s.manager.forget(s)
	if err := s.conn.Close(); err != nil {
		logx.Debug(logx.ComponentMesh, "mesh close error", "err", err)
	}
	logx.Info(logx.ComponentMesh, "mesh session destroyed")
}
