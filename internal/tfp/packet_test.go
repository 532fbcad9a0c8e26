package tfp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerforge/brickd/internal/brickderr"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{UID: 0x01020304, Length: 8, FunctionID: 7, SeqAndOpts: 0x18, ErrorAndFuture: 0}
	buf := make([]byte, HeaderSize)
	require.NoError(t, MarshalHeader(h, buf))

	got, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestValidateRequest(t *testing.T) {
	ok := Header{UID: 0, Length: 8, FunctionID: 7, SeqAndOpts: 0x18}
	require.NoError(t, ValidateRequest(ok))

	zeroFn := ok
	zeroFn.FunctionID = 0
	assert.ErrorIs(t, ValidateRequest(zeroFn), brickderr.ErrZeroFunctionID)

	zeroSeq := ok
	zeroSeq.SeqAndOpts = 0x08
	assert.ErrorIs(t, ValidateRequest(zeroSeq), brickderr.ErrZeroSequence)

	tooShort := ok
	tooShort.Length = 4
	assert.Error(t, ValidateRequest(tooShort))
}

func TestValidateResponse(t *testing.T) {
	resp := Header{UID: 0x01020304, Length: 8, FunctionID: 7, SeqAndOpts: 0x18}
	require.NoError(t, ValidateResponse(resp))

	callback := Header{UID: 0x01020304, Length: 34, FunctionID: FunctionEnumerateCallback, SeqAndOpts: 0x00}
	require.NoError(t, ValidateResponse(callback))

	zeroUID := resp
	zeroUID.UID = 0
	assert.Error(t, ValidateResponse(zeroUID))

	noRespExpected := resp
	noRespExpected.SeqAndOpts = 0x10 // seq=1, response-expected bit clear
	assert.Error(t, ValidateResponse(noRespExpected))
}

func TestMatchesPending(t *testing.T) {
	p := Pending{UID: 0x01020304, FunctionID: 7, SequenceNumber: 1}
	match := Header{UID: 0x01020304, FunctionID: 7, SeqAndOpts: 0x18}
	assert.True(t, MatchesPending(match, p))

	mismatch := match
	mismatch.FunctionID = 8
	assert.False(t, MatchesPending(mismatch, p))
}

func TestSequenceNumberBits(t *testing.T) {
	var h Header
	h.SetSequenceNumber(15)
	h.SetResponseExpected(true)
	assert.Equal(t, uint8(15), h.SequenceNumber())
	assert.True(t, h.ResponseExpected())

	h.SetResponseExpected(false)
	assert.False(t, h.ResponseExpected())
	assert.Equal(t, uint8(15), h.SequenceNumber())
}

func TestEnumerateCallbackRoundTrip(t *testing.T) {
	var e EnumerateCallback
	copy(e.UID[:], "abcdefg")
	copy(e.ConnectedUID[:], "zyx")
	e.Position = 'd'
	e.HardwareVersion = [3]byte{1, 0, 0}
	e.FirmwareVersion = [3]byte{2, 1, 3}
	e.DeviceIdentifier = 25
	e.Type = EnumerationTypeConnected

	buf := make([]byte, enumerateCallbackPayloadSize)
	n := e.MarshalTo(buf)
	require.Equal(t, enumerateCallbackPayloadSize, n)

	got, ok := ParseEnumerateCallback(buf)
	require.True(t, ok)
	assert.Equal(t, e, got)
}
