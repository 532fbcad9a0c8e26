package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerforge/brickd/internal/router"
	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
)

// fakeConn is an in-memory Conn: writes accumulate in out, Read is
// unused by these tests since Feed is driven directly.
type fakeConn struct {
	mu     sync.Mutex
	out    [][]byte
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error) { return 0, nil }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	c.out = append(c.out, buf)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) == 0 {
		return nil
	}
	return c.out[len(c.out)-1]
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// fakeTimerHost records configured timers without ever firing them; the
// tests call the registered callback directly to simulate expiry, which
// keeps these tests deterministic without depending on wall-clock time.
type fakeTimerHost struct {
	mu       sync.Mutex
	nextID   int
	callback map[int]func()
}

func newFakeTimerHost() *fakeTimerHost {
	return &fakeTimerHost{callback: make(map[int]func())}
}

func (h *fakeTimerHost) AddTimer(initial, interval time.Duration, callback func()) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.callback[h.nextID] = callback
	return h.nextID
}

func (h *fakeTimerHost) RemoveTimer(handle int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.callback, handle)
}

func (h *fakeTimerHost) fire(handle int) {
	h.mu.Lock()
	cb := h.callback[handle]
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func buildHelloFrame(isRoot bool, groupID [6]byte, prefix string, firmware [3]byte, src, dst [6]byte) []byte {
	payload := make([]byte, helloPayloadSize)
	if isRoot {
		payload[helloIsRootOffset] = 1
	}
	copy(payload[helloGroupIDOffset:], groupID[:])
	copy(payload[helloPrefixOffset:], []byte(prefix))
	copy(payload[helloFirmwareOffset:], firmware[:])

	h := Header{Dest: dst, Src: src, Type: MessageHello}
	h.Flags |= FlagDirectionUpward
	h.SetProtocol(ProtocolBinary)
	h.Length = uint16(HeaderSize + len(payload))
	buf := make([]byte, h.Length)
	if err := MarshalHeader(h, buf); err != nil {
		panic(err)
	}
	copy(buf[HeaderSize:], payload)
	return buf
}

func newTestManager() (*Manager, *stack.Registry) {
	registry := stack.NewRegistry()
	clients := &fakeClientDirectory{}
	r := router.New(registry, clients, nil)
	gw := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	return NewManager(r, registry, gw, RootPolicySingleRoot), registry
}

type fakeClientDirectory struct{}

func (f *fakeClientDirectory) ForEach(func(router.Client)) {}

func TestHelloTransitionsToOperationalAndRepliesOlleh(t *testing.T) {
	m, registry := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	src := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	dst := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	group := [6]byte{1, 2, 3, 4, 5, 6}
	firmware := [3]byte{2, 1, 0}

	s.Feed(buildHelloFrame(true, group, "root1", firmware, src, dst))

	assert.Equal(t, StateOperational, s.State())
	assert.Equal(t, 1, registry.Len())

	reply, err := ParseHeader(conn.last())
	require.NoError(t, err)
	assert.Equal(t, MessageOlleh, reply.Type)
	assert.Equal(t, src, reply.Dest)
	assert.Equal(t, dst, reply.Src)
}

func TestHelloRejectsWrongDirection(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	h := Header{Type: MessageHello} // direction left at downward
	h.SetProtocol(ProtocolBinary)
	payload := make([]byte, helloPayloadSize)
	h.Length = uint16(HeaderSize + len(payload))
	buf := make([]byte, h.Length)
	require.NoError(t, MarshalHeader(h, buf))
	copy(buf[HeaderSize:], payload)

	s.Feed(buf)

	assert.Equal(t, StateCleanupPending, s.State())
}

func TestPingReceivesPongReply(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	src := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	dst := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	s.Feed(buildHelloFrame(true, [6]byte{1, 2, 3, 4, 5, 6}, "root1", [3]byte{2, 1, 0}, src, dst))

	ping := Header{Dest: dst, Src: src, Type: MessagePing}
	ping.SetProtocol(ProtocolBinary)
	ping.Length = HeaderSize
	buf := make([]byte, HeaderSize)
	require.NoError(t, MarshalHeader(ping, buf))

	before := conn.count()
	s.Feed(buf)
	assert.Greater(t, conn.count(), before)

	reply, err := ParseHeader(conn.last())
	require.NoError(t, err)
	assert.Equal(t, MessagePong, reply.Type)
}

func TestPongDisarmsWaitPongTimer(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	src := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	dst := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	s.Feed(buildHelloFrame(true, [6]byte{1, 2, 3, 4, 5, 6}, "root1", [3]byte{2, 1, 0}, src, dst))

	s.onDoPingTimer()
	assert.True(t, s.waitPongTimer.Armed())

	pong := Header{Dest: dst, Src: src, Type: MessagePong}
	pong.SetProtocol(ProtocolBinary)
	pong.Length = HeaderSize
	buf := make([]byte, HeaderSize)
	require.NoError(t, MarshalHeader(pong, buf))
	s.Feed(buf)

	assert.False(t, s.waitPongTimer.Armed())
}

func TestWaitHelloTimeoutBroadcastsResetAndSchedulesCleanup(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	s.onWaitHelloTimeout()

	reply, err := ParseHeader(conn.last())
	require.NoError(t, err)
	assert.Equal(t, MessageReset, reply.Type)
	assert.True(t, IsBroadcastAddress(reply.Dest))
	assert.Equal(t, StateCleanupPending, s.State())
	assert.True(t, s.cleanupTimer.Armed())
}

func TestWaitPongTimeoutMarksCleanup(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	s.onWaitPongTimeout()

	assert.Equal(t, StateCleanupPending, s.State())
}

func TestDuplicateRootHelloSingleRootPolicyResetsPriorStack(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()

	connA := &fakeConn{}
	sessionA := m.Accept(connA, host)
	group := [6]byte{9, 9, 9, 9, 9, 9}
	srcA := [6]byte{0xAA, 1, 2, 3, 4, 5}
	dst := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	sessionA.Feed(buildHelloFrame(true, group, "root1", [3]byte{1, 0, 0}, srcA, dst))
	require.Equal(t, StateOperational, sessionA.State())

	connB := &fakeConn{}
	sessionB := m.Accept(connB, host)
	srcB := [6]byte{0xCC, 1, 2, 3, 4, 5}
	sessionB.Feed(buildHelloFrame(true, group, "root1-dup", [3]byte{1, 0, 0}, srcB, dst))

	assert.Equal(t, StateCleanupPending, sessionA.State())
	assert.Equal(t, StateOperational, sessionB.State())
}

func TestMeshTFPResponseRoutedThroughRouter(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	src := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	dst := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	s.Feed(buildHelloFrame(true, [6]byte{1, 2, 3, 4, 5, 6}, "root1", [3]byte{2, 1, 0}, src, dst))

	innerHeader := tfp.Header{UID: 99, Length: tfp.HeaderSize, FunctionID: 1}
	innerHeader.SetSequenceNumber(0) // callback framing, exempt from response-expected
	inner := make([]byte, tfp.HeaderSize)
	require.NoError(t, tfp.MarshalHeader(innerHeader, inner))

	h := Header{Dest: dst, Src: src, Type: MessageTFP}
	h.SetProtocol(ProtocolBinary)
	h.Length = uint16(HeaderSize + len(inner))
	buf := make([]byte, h.Length)
	require.NoError(t, MarshalHeader(h, buf))
	copy(buf[HeaderSize:], inner)

	assert.NotPanics(t, func() { s.Feed(buf) })
}

func TestExtractFrameRejectsOversizedLength(t *testing.T) {
	m, _ := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	h := Header{Type: MessageHello, Length: 60000}
	buf := make([]byte, HeaderSize)
	require.NoError(t, MarshalHeader(h, buf))

	s.Feed(buf)
	assert.Equal(t, StateCleanupPending, s.State())
}

func TestDestroyRemovesStackFromRegistryAndClosesConn(t *testing.T) {
	m, registry := newTestManager()
	host := newFakeTimerHost()
	conn := &fakeConn{}
	s := m.Accept(conn, host)

	src := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	dst := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	s.Feed(buildHelloFrame(true, [6]byte{1, 2, 3, 4, 5, 6}, "root1", [3]byte{2, 1, 0}, src, dst))
	require.Equal(t, 1, registry.Len())

	s.Destroy()

	registry.Compact()
	assert.Equal(t, 0, registry.Len())
	assert.True(t, conn.closed)
}
