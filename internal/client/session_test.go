package client

import (
	"crypto/hmac"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerforge/brickd/internal/router"
	"github.com/tinkerforge/brickd/internal/tfp"
)

type fakeTransport struct {
	writeLimit int // -1 = unlimited
	written    []byte
	closed     int
}

func (t *fakeTransport) Read(p []byte) (int, error) { return 0, nil }

func (t *fakeTransport) Write(p []byte) (int, error) {
	n := len(p)
	if t.writeLimit >= 0 && n > t.writeLimit {
		n = t.writeLimit
	}
	t.written = append(t.written, p[:n]...)
	return n, nil
}

func (t *fakeTransport) Close() error {
	t.closed++
	return nil
}

type fakeDispatcher struct {
	calls []tfp.Header
}

func (d *fakeDispatcher) DispatchRequest(c router.Client, h tfp.Header, frame []byte) {
	d.calls = append(d.calls, h)
}

func buildFrame(uid uint32, fid uint8, seq uint8, responseExpected bool, payload []byte) []byte {
	h := tfp.Header{UID: uid, FunctionID: fid}
	h.SetSequenceNumber(seq)
	h.SetResponseExpected(responseExpected)
	h.Length = uint8(tfp.HeaderSize + len(payload))
	buf := make([]byte, h.Length)
	_ = tfp.MarshalHeader(h, buf)
	copy(buf[tfp.HeaderSize:], payload)
	return buf
}

func TestSessionForwardsRequestWhenAuthDisabled(t *testing.T) {
	transport := &fakeTransport{writeLimit: -1}
	dispatcher := &fakeDispatcher{}
	s := New(transport, dispatcher, nil)

	s.feed(buildFrame(42, 7, 1, false, nil))

	require.Len(t, dispatcher.calls, 1)
	assert.Equal(t, uint32(42), dispatcher.calls[0].UID)
}

func TestSessionRejectsRequestBeforeAuthentication(t *testing.T) {
	transport := &fakeTransport{writeLimit: -1}
	dispatcher := &fakeDispatcher{}
	s := New(transport, dispatcher, []byte("secret"))

	s.feed(buildFrame(42, 7, 1, true, nil))

	assert.Empty(t, dispatcher.calls)
	require.Len(t, transport.written, tfp.HeaderSize)
	resp, err := tfp.ParseHeader(transport.written)
	require.NoError(t, err)
	assert.Equal(t, tfp.ErrorCodeFunctionNotSupported, resp.GetErrorCode())
}

func TestSessionAuthenticationHandshakeSuccess(t *testing.T) {
	secret := []byte("shared-secret")
	transport := &fakeTransport{writeLimit: -1}
	dispatcher := &fakeDispatcher{}
	s := New(transport, dispatcher, secret)

	s.feed(buildFrame(tfp.UIDDaemon, tfp.FunctionGetAuthenticationNonce, 1, true, nil))
	require.Len(t, transport.written, tfp.HeaderSize+nonceSize)
	serverNonce := make([]byte, nonceSize)
	copy(serverNonce, transport.written[tfp.HeaderSize:])
	transport.written = nil

	clientNonce := []byte{1, 2, 3, 4}
	mac := hmac.New(sha1.New, secret)
	mac.Write(serverNonce)
	mac.Write(clientNonce)
	digest := mac.Sum(nil)

	payload := append(append([]byte{}, clientNonce...), digest...)
	s.feed(buildFrame(tfp.UIDBrickDaemon, tfp.FunctionAuthenticate, 2, true, payload))

	require.Len(t, transport.written, tfp.HeaderSize)
	resp, err := tfp.ParseHeader(transport.written)
	require.NoError(t, err)
	assert.Equal(t, tfp.ErrorCodeOK, resp.GetErrorCode())
	assert.Equal(t, authAuthenticated, s.auth.state)

	s.feed(buildFrame(42, 7, 3, false, nil))
	assert.Len(t, dispatcher.calls, 1)
}

func TestSessionAuthenticationDigestMismatchCloses(t *testing.T) {
	secret := []byte("shared-secret")
	transport := &fakeTransport{writeLimit: -1}
	s := New(transport, &fakeDispatcher{}, secret)

	s.feed(buildFrame(tfp.UIDDaemon, tfp.FunctionGetAuthenticationNonce, 1, true, nil))
	transport.written = nil

	badPayload := make([]byte, nonceSize+digestSize)
	s.feed(buildFrame(tfp.UIDBrickDaemon, tfp.FunctionAuthenticate, 2, true, badPayload))

	assert.Equal(t, 1, transport.closed)
	assert.NotEqual(t, authAuthenticated, s.auth.state)
}

func TestEnqueueSendSlowFlagHighAndLowWater(t *testing.T) {
	transport := &fakeTransport{writeLimit: 0}
	s := New(transport, nil, nil)

	s.enqueueSend(make([]byte, SendBufferHighWater+1))
	assert.True(t, s.IsSlow())

	transport.writeLimit = -1
	s.enqueueSend(nil)
	assert.False(t, s.IsSlow())
}

func TestRouterClientInterfaceSatisfiedByAdapter(t *testing.T) {
	transport := &fakeTransport{writeLimit: -1}
	s := New(transport, nil, nil)
	var c router.Client = clientAdapter{s}

	c.AddPending(tfp.Pending{UID: 1, FunctionID: 1, SequenceNumber: 1})
	assert.True(t, c.MatchAndDeliver(tfp.Header{UID: 1, FunctionID: 1, SeqAndOpts: 1 << 4}, make([]byte, tfp.HeaderSize)))
	assert.False(t, c.IsSlow())
}
