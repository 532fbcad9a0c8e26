package spitfp

import (
	"sync"

	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/router"
	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
)

// HATRegistry is the process-wide "connected_uid" register spec §4.7
// describes ("a process-wide connected_uid register is updated").
// Spec §9 calls for explicitly-threaded state rather than a package
// global, so callers construct one HATRegistry and share it across every
// BrickletStack on the same HAT (there is exactly one HAT per daemon
// process, but the type stays an explicit value rather than a package
// variable).
type HATRegistry struct {
	mu  sync.RWMutex
	uid string
	has bool
}

// NewHATRegistry creates an empty registry (no HAT observed yet).
func NewHATRegistry() *HATRegistry { return &HATRegistry{} }

// Update records uid (already base58-encoded) as the known HAT/HAT-Zero
// UID.
func (h *HATRegistry) Update(uidBase58 string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uid = uidBase58
	h.has = true
}

// Get returns the known HAT UID and whether one has been observed.
func (h *HATRegistry) Get() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.uid, h.has
}

const blankConnectedUID = ""

// PortIndex identifies a Bricklet port's physical position for the
// enumerate position-rewrite rule (spec §4.7).
type PortIndex int

// BrickletStack wires a Link (the SPITFP state machine) to the Stack
// abstraction (spec §3.5/§4.7), the way internal/usb.Brick wires a USB
// device: Dispatch enqueues outbound frames on the Link; PumpResponses
// (called by the reactor when the Link's eventfd fires) drains
// completed responses, rewrites enumerate callbacks per the HAT
// routing-integration rule, and hands them to the Router.
type BrickletStack struct {
	link     *Link
	notifier *EventFD
	port     PortIndex
	hats     *HATRegistry
	router   *router.Router

	Stack *stack.Stack
}

// NewBrickletStack creates a BrickletStack bound to link and registers
// it as dispatch target; name typically encodes the group/chip-select
// (e.g. "spitfp-group0-cs1").
func NewBrickletStack(name string, link *Link, notifier *EventFD, port PortIndex, hats *HATRegistry, r *router.Router) *BrickletStack {
	b := &BrickletStack{link: link, notifier: notifier, port: port, hats: hats, router: r}
	b.Stack = stack.New(name, b.dispatch, b.onDisconnect)
	return b
}

// onDisconnect implements stack.DisconnectFunc (spec §3.2, §7, §8).
func (b *BrickletStack) onDisconnect(uidLE uint32) {
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

// dispatch implements stack.DispatchFunc: SPITFP has exactly one
// destination (the co-processor at the far end of the wire), so any
// force=false/true directed request and any accepted broadcast is
// simply enqueued on the link (spec §4.3, §4.7).
func (b *BrickletStack) dispatch(request []byte, recipient *stack.Recipient, force bool) stack.Result {
	if !force {
		if len(b.Stack.KnownUIDs()) == 0 {
			return stack.Dropped
		}
	}
	b.link.Enqueue(request)
	return stack.Accepted
}

// PumpResponses drains every response the SPI thread has queued since
// the last signal and hands each to the Router, after the HAT routing
// rewrite. Call once per eventfd readiness notification (reactor
// callback); it also consumes the corresponding Drain tokens.
func (b *BrickletStack) PumpResponses() {
	for {
		payload, ok := b.link.PopResponse()
		if !ok {
			return
		}
		if b.notifier != nil {
			b.notifier.Drain()
		}
		b.handleResponse(payload)
	}
}

func (b *BrickletStack) handleResponse(payload []byte) {
	header, err := tfp.ParseHeader(payload)
	if err != nil || int(header.Length) != len(payload) {
		logx.Warn(logx.ComponentSPITFP, "malformed payload handed over from link", "port", b.port)
		return
	}
	if err := tfp.ValidateResponse(header); err != nil {
		logx.Warn(logx.ComponentSPITFP, "invalid response from bricklet, dropping", "err", err)
		return
	}

	if header.FunctionID == tfp.FunctionEnumerateCallback {
		b.rewriteEnumerate(header, payload)
	}

	if b.router != nil {
		b.router.DispatchResponse(b.Stack, header, payload, router.Recipient{})
	}
}

// rewriteEnumerate implements spec §4.7's "Routing integration":
// - a HAT/HAT-Zero enumerate updates the process-wide connected_uid
//   register instead of being rewritten;
// - every other enumerate has its position character rewritten to
//   'a'+port_index and its connected_uid rewritten to the HAT's base58
//   UID (or a blank marker if none is known yet), unless the report
//   already came through an isolator (position == 'Z' with a non-empty
//   connected_uid already set).
func (b *BrickletStack) rewriteEnumerate(header tfp.Header, payload []byte) {
	cb, ok := tfp.ParseEnumerateCallback(payload[tfp.HeaderSize:])
	if !ok {
		return
	}

	if cb.DeviceIdentifier == tfp.HATDeviceIdentifier || cb.DeviceIdentifier == tfp.HATZeroDeviceIdentifier {
		if b.hats != nil {
			b.hats.Update(tfp.Base58Encode(header.UID))
		}
		return
	}

	if cb.Position == tfp.IsolatorPosition && trimNUL(cb.ConnectedUID[:]) != "" {
		return // already relayed by an isolator; leave as-is
	}

	cb.Position = byte('a' + int(b.port))
	connectedUID := blankConnectedUID
	if b.hats != nil {
		if uid, has := b.hats.Get(); has {
			connectedUID = uid
		}
	}
	var buf [8]byte
	copy(buf[:], connectedUID)
	cb.ConnectedUID = buf
	cb.MarshalTo(payload[tfp.HeaderSize:])
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
