package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
)

type fakeClient struct {
	pending    []PendingEntry
	delivered  [][]byte
	callbacks  [][]byte
	slow       bool
	daemonCall bool
}

func (c *fakeClient) AddPending(p tfp.Pending) {
	c.pending = append(c.pending, PendingEntry{Pending: p, Timestamp: time.Now()})
}

func (c *fakeClient) MatchAndDeliver(header tfp.Header, frame []byte) bool {
	for i, p := range c.pending {
		if tfp.MatchesPending(header, p.Pending) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.delivered = append(c.delivered, frame)
			return true
		}
	}
	return false
}

func (c *fakeClient) DeliverCallback(frame []byte) bool {
	if c.slow {
		return false
	}
	c.callbacks = append(c.callbacks, frame)
	return true
}

func (c *fakeClient) IsSlow() bool { return c.slow }

func (c *fakeClient) ExpirePendingOlderThan(threshold time.Duration) int {
	n := 0
	live := c.pending[:0]
	now := time.Now()
	for _, p := range c.pending {
		if now.Sub(p.Timestamp) > threshold {
			n++
			continue
		}
		live = append(live, p)
	}
	c.pending = live
	return n
}

type fakeDirectory struct {
	clients []*fakeClient
}

func (d *fakeDirectory) ForEach(fn func(Client)) {
	for _, c := range d.clients {
		fn(c)
	}
}

func directedHeader(uid uint32, fid uint8, seq uint8, responseExpected bool) tfp.Header {
	h := tfp.Header{UID: uid, Length: 8, FunctionID: fid}
	h.SetSequenceNumber(seq)
	h.SetResponseExpected(responseExpected)
	return h
}

func TestDispatchRequestDaemonUID0(t *testing.T) {
	reg := stack.NewRegistry()
	var gotUID uint32
	daemon := func(client Client, header tfp.Header, payload []byte) { gotUID = header.UID }
	r := New(reg, &fakeDirectory{}, daemon)

	c := &fakeClient{}
	h := directedHeader(0, tfp.FunctionGetAuthenticationNonce, 1, true)
	r.DispatchRequest(c, h, make([]byte, 8))

	assert.Equal(t, uint32(0), gotUID)
	assert.Empty(t, c.pending, "daemon requests never register a pending entry via DispatchRequest's directed/broadcast path")
}

func TestDispatchRequestDirectedToOwningStack(t *testing.T) {
	reg := stack.NewRegistry()
	var sawForce bool
	s := stack.New("brick0", func(request []byte, recipient *stack.Recipient, force bool) stack.Result {
		sawForce = force
		return stack.Accepted
	}, nil)
	s.AddRecipient(42, stack.Recipient{})
	reg.Add(s)

	r := New(reg, &fakeDirectory{}, nil)
	c := &fakeClient{}
	h := directedHeader(42, 7, 1, true)
	r.DispatchRequest(c, h, make([]byte, 8))

	assert.True(t, sawForce)
	require.Len(t, c.pending, 1)
	assert.Equal(t, uint32(42), c.pending[0].UID)
}

func TestDispatchRequestDirectedNoOwnerDrops(t *testing.T) {
	reg := stack.NewRegistry()
	r := New(reg, &fakeDirectory{}, nil)
	c := &fakeClient{}
	h := directedHeader(99, 7, 1, false)

	assert.NotPanics(t, func() {
		r.DispatchRequest(c, h, make([]byte, 8))
	})
	assert.Empty(t, c.pending)
}

func TestDispatchRequestBroadcastUID0NonAuth(t *testing.T) {
	reg := stack.NewRegistry()
	calls := 0
	s1 := stack.New("a", func(request []byte, recipient *stack.Recipient, force bool) stack.Result {
		calls++
		assert.False(t, force)
		return stack.Accepted
	}, nil)
	s2 := stack.New("b", func(request []byte, recipient *stack.Recipient, force bool) stack.Result {
		calls++
		return stack.Dropped
	}, nil)
	reg.Add(s1)
	reg.Add(s2)

	r := New(reg, &fakeDirectory{}, nil)
	h := directedHeader(0, tfp.FunctionEnumerateCallback, 1, false)
	r.DispatchRequest(&fakeClient{}, h, make([]byte, 8))

	assert.Equal(t, 2, calls)
}

func TestDispatchResponseCallbackDeliveredToAllExceptSlow(t *testing.T) {
	reg := stack.NewRegistry()
	normal := &fakeClient{}
	slow := &fakeClient{slow: true}
	dir := &fakeDirectory{clients: []*fakeClient{normal, slow}}
	r := New(reg, dir, nil)

	h := directedHeader(42, 10, 0, false) // seq 0 => callback
	frame := make([]byte, 8)
	r.DispatchResponse(nil, h, frame, Recipient{})

	assert.Len(t, normal.callbacks, 1)
	assert.Empty(t, slow.callbacks)
}

func TestDispatchResponseMatchesPendingClient(t *testing.T) {
	reg := stack.NewRegistry()
	c := &fakeClient{}
	c.pending = []PendingEntry{{Pending: tfp.Pending{UID: 42, FunctionID: 7, SequenceNumber: 1}, Timestamp: time.Now()}}
	dir := &fakeDirectory{clients: []*fakeClient{c}}
	r := New(reg, dir, nil)

	h := directedHeader(42, 7, 1, true)
	frame := make([]byte, 8)
	r.DispatchResponse(nil, h, frame, Recipient{})

	assert.Empty(t, c.pending)
	assert.Len(t, c.delivered, 1)
}

func TestDispatchResponseEnumerateConnectedUpdatesRecipient(t *testing.T) {
	reg := stack.NewRegistry()
	s := stack.New("brick0", func(request []byte, recipient *stack.Recipient, force bool) stack.Result {
		return stack.Accepted
	}, nil)
	reg.Add(s)
	dir := &fakeDirectory{}
	r := New(reg, dir, nil)

	h := directedHeader(42, tfp.FunctionEnumerateCallback, 0, false)
	frame := make([]byte, 8+26)
	cb := tfp.EnumerateCallback{Type: tfp.EnumerationTypeConnected}
	cb.MarshalTo(frame[8:])

	_, known := s.GetRecipient(42)
	require.False(t, known)

	r.DispatchResponse(s, h, frame, Recipient{HasAddr: true, Addr: [6]byte{1, 2, 3}})

	got, known := s.GetRecipient(42)
	require.True(t, known)
	assert.Equal(t, [6]byte{1, 2, 3}, got.Addr)
}

func TestDispatchResponseEnumerateDisconnectedRemovesRecipient(t *testing.T) {
	reg := stack.NewRegistry()
	s := stack.New("brick0", nil, nil)
	s.AddRecipient(42, stack.Recipient{})
	reg.Add(s)
	r := New(reg, &fakeDirectory{}, nil)

	h := directedHeader(42, tfp.FunctionEnumerateCallback, 0, false)
	frame := make([]byte, 8+26)
	cb := tfp.EnumerateCallback{Type: tfp.EnumerationTypeDisconnected}
	cb.MarshalTo(frame[8:])

	r.DispatchResponse(s, h, frame, Recipient{})

	_, known := s.GetRecipient(42)
	assert.False(t, known)
}

func TestSweepExpiredPending(t *testing.T) {
	reg := stack.NewRegistry()
	c := &fakeClient{}
	c.pending = []PendingEntry{{Pending: tfp.Pending{UID: 1, FunctionID: 1, SequenceNumber: 1}, Timestamp: time.Now().Add(-10 * time.Second)}}
	dir := &fakeDirectory{clients: []*fakeClient{c}}
	r := New(reg, dir, nil)

	r.SweepExpiredPending()

	assert.Empty(t, c.pending)
}
