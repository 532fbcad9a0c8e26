package usb

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
)

type fakeTransferHandle struct{ id int }

type fakeSubmission struct {
	buf        []byte
	onComplete func(n int, err error)
	handle     fakeTransferHandle
	cancelled  bool
}

type fakeDevice struct {
	product, serial string
	nextID          int
	submissions     map[fakeTransferHandle]*fakeSubmission
	closed          bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{product: "Brick", serial: "ABC123", submissions: make(map[fakeTransferHandle]*fakeSubmission)}
}

func (d *fakeDevice) ProductString() string { return d.product }
func (d *fakeDevice) SerialString() string  { return d.serial }

func (d *fakeDevice) submit(buf []byte, onComplete func(int, error)) (TransferHandle, error) {
	d.nextID++
	h := fakeTransferHandle{id: d.nextID}
	d.submissions[h] = &fakeSubmission{buf: buf, onComplete: onComplete, handle: h}
	return h, nil
}

func (d *fakeDevice) SubmitRead(buf []byte, onComplete func(int, error)) (TransferHandle, error) {
	return d.submit(buf, onComplete)
}

func (d *fakeDevice) SubmitWrite(buf []byte, onComplete func(int, error)) (TransferHandle, error) {
	return d.submit(buf, onComplete)
}

func (d *fakeDevice) CancelTransfer(h TransferHandle) error {
	fh := h.(fakeTransferHandle)
	if s, ok := d.submissions[fh]; ok {
		s.cancelled = true
	}
	return nil
}

func (d *fakeDevice) HandleEventsTimeout(timeout time.Duration) error {
	for h, s := range d.submissions {
		if s.cancelled {
			s.onComplete(0, errors.New("cancelled"))
			delete(d.submissions, h)
		}
	}
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// complete simulates a transfer finishing with data and removes it
// from the outstanding submission set.
func (d *fakeDevice) complete(h TransferHandle, data []byte, err error) {
	fh := h.(fakeTransferHandle)
	s, ok := d.submissions[fh]
	requireSubmissionFound(s, ok)
	copy(s.buf, data)
	delete(d.submissions, fh)
	s.onComplete(len(data), err)
}

func requireSubmissionFound(s *fakeSubmission, ok bool) {
	if !ok || s == nil {
		panic("transfer handle not found")
	}
}

type fakeHAL struct{ dev *fakeDevice }

func (h *fakeHAL) Open(bus, address int) (DeviceHandle, error) { return h.dev, nil }

func enumerateFrame(uid uint32) []byte {
	cb := tfp.EnumerateCallback{Type: tfp.EnumerationTypeConnected}
	payload := make([]byte, 26)
	cb.MarshalTo(payload)
	h := tfp.Header{UID: uid, FunctionID: tfp.FunctionEnumerateCallback}
	h.Length = uint8(tfp.HeaderSize + len(payload))
	buf := make([]byte, h.Length)
	_ = tfp.MarshalHeader(h, buf)
	copy(buf[tfp.HeaderSize:], payload)
	return buf
}

func TestOpenPreSubmitsReadPool(t *testing.T) {
	dev := newFakeDevice()
	b, err := Open(&fakeHAL{dev: dev}, 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, ReadTransferCount, len(dev.submissions))
	assert.Equal(t, "Brick", b.ProductString)
}

func TestReadCallbackLearnsUIDAndResubmits(t *testing.T) {
	dev := newFakeDevice()
	b, err := Open(&fakeHAL{dev: dev}, 1, 2, nil)
	require.NoError(t, err)

	var handle TransferHandle
	for h := range dev.submissions {
		handle = h
		break
	}
	beforeCount := len(dev.submissions)
	dev.complete(handle, enumerateFrame(42), nil)

	assert.Equal(t, 1, b.KnownUIDCount())
	assert.Equal(t, beforeCount, len(dev.submissions), "read transfer re-submitted after completion")
}

func TestDispatchDroppedWhenUIDUnknownAndNotForced(t *testing.T) {
	dev := newFakeDevice()
	b, err := Open(&fakeHAL{dev: dev}, 1, 2, nil)
	require.NoError(t, err)

	req := make([]byte, tfp.HeaderSize)
	h := tfp.Header{UID: 99, FunctionID: 1, Length: tfp.HeaderSize}
	_ = tfp.MarshalHeader(h, req)

	res := b.Dispatch(req, nil, false)
	assert.Equal(t, stack.Dropped, res)
}

func TestDispatchAcceptsForcedAndUsesIdleWriteSlot(t *testing.T) {
	dev := newFakeDevice()
	b, err := Open(&fakeHAL{dev: dev}, 1, 2, nil)
	require.NoError(t, err)

	req := make([]byte, tfp.HeaderSize)
	h := tfp.Header{UID: 99, FunctionID: 1, Length: tfp.HeaderSize}
	_ = tfp.MarshalHeader(h, req)

	res := b.Dispatch(req, nil, true)
	assert.Equal(t, stack.Accepted, res)
	assert.False(t, b.writeSlots[0].idle)
}

func TestDispatchOverflowsWhenAllWriteSlotsBusy(t *testing.T) {
	dev := newFakeDevice()
	b, err := Open(&fakeHAL{dev: dev}, 1, 2, nil)
	require.NoError(t, err)

	req := make([]byte, tfp.HeaderSize)
	h := tfp.Header{UID: 99, FunctionID: 1, Length: tfp.HeaderSize}
	_ = tfp.MarshalHeader(h, req)

	for i := 0; i < WriteTransferCount; i++ {
		res := b.Dispatch(req, nil, true)
		require.Equal(t, stack.Accepted, res)
	}

	res := b.Dispatch(req, nil, true)
	assert.Equal(t, stack.Accepted, res)
	assert.Equal(t, 1, b.overflow.Len())
}

func TestWriteCompletionDrainsOverflowFIFO(t *testing.T) {
	dev := newFakeDevice()
	b, err := Open(&fakeHAL{dev: dev}, 1, 2, nil)
	require.NoError(t, err)

	h := tfp.Header{UID: 99, FunctionID: 1, Length: tfp.HeaderSize}
	req := make([]byte, tfp.HeaderSize)
	_ = tfp.MarshalHeader(h, req)

	for i := 0; i < WriteTransferCount; i++ {
		require.Equal(t, stack.Accepted, b.Dispatch(req, nil, true))
	}
	require.Equal(t, stack.Accepted, b.Dispatch(req, nil, true))
	require.Equal(t, 1, b.overflow.Len())

	var writeHandle TransferHandle
	var writeIdx int
	for idx, slot := range b.writeSlots {
		if !slot.idle {
			writeHandle = slot.transfer
			writeIdx = idx
			break
		}
	}
	_ = writeIdx
	dev.complete(writeHandle, nil, nil)

	assert.Equal(t, 0, b.overflow.Len())
}

func TestDestroyCancelsAndReapsTransfers(t *testing.T) {
	dev := newFakeDevice()
	b, err := Open(&fakeHAL{dev: dev}, 1, 2, nil)
	require.NoError(t, err)

	b.Destroy()

	assert.True(t, dev.closed)
	assert.Empty(t, dev.submissions)
}
