// Package mesh implements the Mesh Stack (C8) of spec §4.8: a TCP
// tunnel for TFP to a mesh root node, framed with a small in-band
// session-management protocol (hello/olleh/reset/ping/pong/tfp).
package mesh

import (
	"encoding/binary"

	"github.com/tinkerforge/brickd/internal/brickderr"
)

// MessageType is the mesh header's one-byte type field (spec §4.8).
type MessageType byte

const (
	MessageHello MessageType = 1
	MessageOlleh MessageType = 2
	MessageReset MessageType = 3
	MessagePing  MessageType = 4
	MessagePong  MessageType = 5
	MessageTFP   MessageType = 6
)

// Flags bit layout (spec §4.8: "a 16-bit flags word (direction bit, p2p
// bit, protocol nibble)").
const (
	FlagDirectionDownward uint16 = 0 << 0
	FlagDirectionUpward   uint16 = 1 << 0
	FlagP2P               uint16 = 1 << 1
	protocolNibbleShift          = 4
	protocolNibbleMask           = 0x0F

	ProtocolBinary uint8 = 0
)

// HeaderSize is the on-the-wire mesh header size: flags(2) + length(2)
// + dest(6) + src(6) + type(1) = 17 bytes. Spec §4.8's "Receive
// framing" paragraph separately says "the 12-byte mesh header"; that
// figure doesn't match the field list given earlier in the same
// section, so HeaderSize here follows the explicit field breakdown
// (see DESIGN.md for this resolved inconsistency).
const HeaderSize = 17

// Header is the mesh framing header prepended to every mesh message.
type Header struct {
	Flags  uint16
	Length uint16 // total frame length, header included
	Dest   [6]byte
	Src    [6]byte
	Type   MessageType
}

// Direction reports the header's direction bit.
func (h Header) Direction() uint16 { return h.Flags & FlagDirectionUpward }

// IsUpward reports whether the direction bit is set to upward (gateway
// to daemon).
func (h Header) IsUpward() bool { return h.Flags&FlagDirectionUpward != 0 }

// IsP2P reports the peer-to-peer flag.
func (h Header) IsP2P() bool { return h.Flags&FlagP2P != 0 }

// Protocol returns the protocol nibble.
func (h Header) Protocol() uint8 { return uint8((h.Flags >> protocolNibbleShift) & protocolNibbleMask) }

// SetProtocol sets the protocol nibble, preserving the other flag bits.
func (h *Header) SetProtocol(p uint8) {
	h.Flags = (h.Flags &^ (protocolNibbleMask << protocolNibbleShift)) | (uint16(p&protocolNibbleMask) << protocolNibbleShift)
}

// ParseHeader decodes the first HeaderSize bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, brickderr.ErrMeshBadHeader
	}
	var h Header
	h.Flags = binary.LittleEndian.Uint16(buf[0:2])
	h.Length = binary.LittleEndian.Uint16(buf[2:4])
	copy(h.Dest[:], buf[4:10])
	copy(h.Src[:], buf[10:16])
	h.Type = MessageType(buf[16])
	return h, nil
}

// MarshalHeader encodes h into the first HeaderSize bytes of buf.
func MarshalHeader(h Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return brickderr.ErrMeshBadHeader
	}
	binary.LittleEndian.PutUint16(buf[0:2], h.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	copy(buf[4:10], h.Dest[:])
	copy(buf[10:16], h.Src[:])
	buf[16] = byte(h.Type)
	return nil
}

// IsBroadcastAddress reports whether addr is the all-zero mesh address
// (spec §4.8: "destination is all zeros" for a broadcast).
func IsBroadcastAddress(addr [6]byte) bool {
	return addr == [6]byte{}
}
