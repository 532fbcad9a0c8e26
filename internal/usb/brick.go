package usb

import (
	"sync"
	"time"

	"github.com/tinkerforge/brickd/internal/brickderr"
	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/queue"
	"github.com/tinkerforge/brickd/internal/router"
	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
)

const (
	// ReadTransferCount and WriteTransferCount are the fixed pool sizes
	// of spec §3.4/§4.6.
	ReadTransferCount  = 5
	WriteTransferCount = 5

	// OverflowQueueCap bounds the write-overflow queue (spec §3.4).
	OverflowQueueCap = 256

	// TransferReapTimeout is the per-transfer spin budget during
	// teardown (spec §4.6: "up to one second per transfer").
	TransferReapTimeout = time.Second
)

type writeSlot struct {
	idle     bool
	transfer TransferHandle
	buf      [tfp.MaxPacketSize]byte
}

// Brick is one USB Brick device, wired as a stack.Stack (spec §3.4,
// §4.6).
type Brick struct {
	Bus, Address    int
	ProductString   string
	SerialString    string

	dev    DeviceHandle
	router *router.Router

	mu           sync.Mutex
	uids         map[uint32]struct{}
	writeSlots   [WriteTransferCount]writeSlot
	overflow     *queue.Queue[[]byte]
	readHandles  [ReadTransferCount]TransferHandle
	destroyed    bool

	Stack *stack.Stack
}

// Open creates a Brick: opens the device, pre-allocates and
// pre-submits the read transfer pool, and registers uid_set/overflow
// queue state (spec §4.6 Creation).
func Open(hal HAL, bus, address int, r *router.Router) (*Brick, error) {
	dev, err := hal.Open(bus, address)
	if err != nil {
		return nil, err
	}

	b := &Brick{
		Bus:           bus,
		Address:       address,
		ProductString: dev.ProductString(),
		SerialString:  dev.SerialString(),
		dev:           dev,
		router:        r,
		uids:          make(map[uint32]struct{}),
		overflow:      queue.New[[]byte](),
	}
	for i := range b.writeSlots {
		b.writeSlots[i].idle = true
	}
	b.Stack = stack.New(b.name(), b.Dispatch, b.onDisconnect)

	for i := 0; i < ReadTransferCount; i++ {
		if err := b.submitRead(); err != nil {
			logx.Error(logx.ComponentUSB, "initial read submission failed", "err", err)
		}
	}

	logx.Info(logx.ComponentUSB, "brick opened", "bus", bus, "address", address, "product", b.ProductString)
	return b, nil
}

func (b *Brick) name() string {
	return b.SerialString
}

// onDisconnect implements stack.DisconnectFunc: it synthesizes and
// routes an enumerate-disconnected callback for uidLE (spec §3.2, §7,
// §8 "exactly one enumerate-disconnected callback is emitted to every
// connected client").
func (b *Brick) onDisconnect(uidLE uint32) {
	if b.router == nil {
		return
	}
	frame := tfp.BuildDisconnectedCallback(uidLE)
	header, err := tfp.ParseHeader(frame)
	if err != nil {
		return
	}
	b.router.DispatchResponse(b.Stack, header, frame, router.Recipient{})
}

func (b *Brick) submitRead() error {
	buf := make([]byte, tfp.MaxPacketSize)
	var th TransferHandle
	h, err := b.dev.SubmitRead(buf, func(n int, err error) {
		// Release this transfer's slot so the re-submitted read is the
		// one Destroy cancels.
		b.mu.Lock()
		for i, rh := range b.readHandles {
			if th != nil && rh == th {
				b.readHandles[i] = nil
				break
			}
		}
		b.mu.Unlock()
		b.onReadComplete(buf, n, err)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	th = h
	for i, h := range b.readHandles {
		if h == nil {
			b.readHandles[i] = th
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// onReadComplete implements spec §4.6's read callback.
func (b *Brick) onReadComplete(buf []byte, actualLength int, err error) {
	defer func() {
		b.mu.Lock()
		destroyed := b.destroyed
		b.mu.Unlock()
		if !destroyed {
			b.submitRead() // always re-submit while alive (step 5)
		}
	}()

	if err != nil {
		logx.Debug(logx.ComponentUSB, "read transfer error", "err", err)
		return
	}

	if actualLength < tfp.HeaderSize {
		logx.Warn(logx.ComponentUSB, "read shorter than header, dropping", "n", actualLength)
		return
	}
	header, parseErr := tfp.ParseHeader(buf[:actualLength])
	if parseErr != nil || actualLength != int(header.Length) {
		logx.Warn(logx.ComponentUSB, "read length mismatch, dropping", "n", actualLength, "declared", header.Length)
		return
	}
	if err := tfp.ValidateResponse(header); err != nil {
		logx.Warn(logx.ComponentUSB, "invalid response, dropping", "err", err)
		return
	}

	if header.IsCallback() {
		logx.Debug(logx.ComponentUSB, "callback received", "uid", header.UID, "fid", header.FunctionID)
	} else {
		logx.Debug(logx.ComponentUSB, "response received", "uid", header.UID, "fid", header.FunctionID)
	}

	b.mu.Lock()
	b.uids[header.UID] = struct{}{}
	b.mu.Unlock()

	if b.router != nil {
		frame := make([]byte, header.Length)
		copy(frame, buf[:header.Length])
		b.router.DispatchResponse(b.Stack, header, frame, router.Recipient{})
	}
}

// Dispatch implements stack.DispatchFunc (spec §4.6 "Dispatch to
// device").
func (b *Brick) Dispatch(request []byte, recipient *stack.Recipient, force bool) stack.Result {
	header, err := tfp.ParseHeader(request)
	if err != nil {
		return stack.Err
	}

	if !force {
		b.mu.Lock()
		_, known := b.uids[header.UID]
		b.mu.Unlock()
		if !known {
			return stack.Dropped
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.writeSlots {
		if !b.writeSlots[i].idle {
			continue
		}
		slot := &b.writeSlots[i]
		n := copy(slot.buf[:], request)
		slot.idle = false
		idx := i
		th, err := b.dev.SubmitWrite(slot.buf[:n], func(n int, err error) {
			b.onWriteComplete(idx, err)
		})
		if err != nil {
			slot.idle = true
			return stack.Err
		}
		slot.transfer = th
		return stack.Accepted
	}

	buf := make([]byte, len(request))
	copy(buf, request)
	evicted, didEvict := b.overflow.PushBounded(buf, OverflowQueueCap)
	if didEvict {
		logx.Warn(logx.ComponentUSB, "write overflow queue full, evicting oldest", "err", brickderr.ErrOverflowQueueFull, "evicted_len", len(evicted))
	}
	return stack.Accepted
}

// onWriteComplete implements spec §4.6's write-completion callback:
// strictly FIFO drain of the overflow queue.
func (b *Brick) onWriteComplete(slotIndex int, err error) {
	if err != nil {
		logx.Debug(logx.ComponentUSB, "write transfer error", "err", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	slot := &b.writeSlots[slotIndex]
	slot.idle = true
	slot.transfer = nil

	if b.destroyed {
		return
	}

	next, ok := b.overflow.Pop()
	if !ok {
		return
	}
	n := copy(slot.buf[:], next)
	slot.idle = false
	idx := slotIndex
	th, submitErr := b.dev.SubmitWrite(slot.buf[:n], func(n int, err error) {
		b.onWriteComplete(idx, err)
	})
	if submitErr != nil {
		slot.idle = true
		logx.Error(logx.ComponentUSB, "failed to resubmit queued write", "err", submitErr)
		return
	}
	slot.transfer = th
}

// Destroy cancels all submitted transfers, reaps them (spinning on
// HandleEventsTimeout for up to TransferReapTimeout per transfer,
// tolerating a leak if one refuses to reap), announces disconnect for
// every known UID through its Stack, and closes the device (spec
// §4.6 Destruction).
func (b *Brick) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	handles := append([]TransferHandle{}, b.readHandles[:]...)
	for _, slot := range b.writeSlots {
		if !slot.idle {
			handles = append(handles, slot.transfer)
		}
	}
	b.mu.Unlock()

	for _, th := range handles {
		if th == nil {
			continue
		}
		if err := b.dev.CancelTransfer(th); err != nil {
			logx.Debug(logx.ComponentUSB, "cancel failed", "err", err)
		}
		if err := b.dev.HandleEventsTimeout(TransferReapTimeout); err != nil {
			logx.Warn(logx.ComponentUSB, "transfer did not reap within budget, leaking", "err", brickderr.ErrTransferUnreapable)
		}
	}

	b.Stack.Destroy()
	if err := b.dev.Close(); err != nil {
		logx.Debug(logx.ComponentUSB, "device close error", "err", err)
	}
	logx.Info(logx.ComponentUSB, "brick destroyed", "bus", b.Bus, "address", b.Address)
}

// KnownUIDCount reports how many UIDs this Brick has observed, for
// diagnostics and tests.
func (b *Brick) KnownUIDCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uids)
}
