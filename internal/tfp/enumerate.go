package tfp

import (
	"encoding/binary"
)

// EnumerationType is the enumerate callback's type field (§3.1).
type EnumerationType uint8

const (
	EnumerationTypeAvailable EnumerationType = iota
	EnumerationTypeConnected
	EnumerationTypeDisconnected
)

func (t EnumerationType) String() string {
	switch t {
	case EnumerationTypeAvailable:
		return "available"
	case EnumerationTypeConnected:
		return "connected"
	case EnumerationTypeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// enumerateCallbackPayloadSize is the enumerate callback's payload size:
// uid(8) + connected_uid(8) + position(1) + hardware_version(3) +
// firmware_version(3) + device_identifier(2) + enumeration_type(1) = 26.
// Together with the 8-byte header this is the fixed 34-byte frame of
// spec §3.1.
const enumerateCallbackPayloadSize = 26

// EnumerateCallback is the well-known function-253 callback payload
// (spec §3.1), following original_source/src/brickd/packet.h's
// EnumerateCallback layout.
type EnumerateCallback struct {
	UID             [8]byte // textual, NUL-padded
	ConnectedUID    [8]byte // textual, NUL-padded; blank for stacks with no parent
	Position        byte    // port character, or 'a'+port_index for Bricklets
	HardwareVersion [3]byte
	FirmwareVersion [3]byte
	DeviceIdentifier uint16 // little-endian on wire
	Type            EnumerationType
}

// ParseEnumerateCallback decodes the payload following the 8-byte header.
func ParseEnumerateCallback(payload []byte) (EnumerateCallback, bool) {
	if len(payload) < enumerateCallbackPayloadSize {
		return EnumerateCallback{}, false
	}
	var e EnumerateCallback
	copy(e.UID[:], payload[0:8])
	copy(e.ConnectedUID[:], payload[8:16])
	e.Position = payload[16]
	copy(e.HardwareVersion[:], payload[17:20])
	copy(e.FirmwareVersion[:], payload[20:23])
	e.DeviceIdentifier = binary.LittleEndian.Uint16(payload[23:25])
	e.Type = EnumerationType(payload[25])
	return e, true
}

// MarshalTo encodes e into buf, which must be at least
// enumerateCallbackPayloadSize bytes.
func (e EnumerateCallback) MarshalTo(buf []byte) int {
	if len(buf) < enumerateCallbackPayloadSize {
		return 0
	}
	copy(buf[0:8], e.UID[:])
	copy(buf[8:16], e.ConnectedUID[:])
	buf[16] = e.Position
	copy(buf[17:20], e.HardwareVersion[:])
	copy(buf[20:23], e.FirmwareVersion[:])
	binary.LittleEndian.PutUint16(buf[23:25], e.DeviceIdentifier)
	buf[25] = byte(e.Type)
	return enumerateCallbackPayloadSize
}

// GetCallbackSubtype returns the enumeration type of an enumerate
// callback packet with ok=true, or (0, false) when the packet is not a
// well-formed enumerate callback.
func GetCallbackSubtype(h Header, payload []byte) (EnumerationType, bool) {
	if h.FunctionID != FunctionEnumerateCallback {
		return 0, false
	}
	e, ok := ParseEnumerateCallback(payload)
	if !ok {
		return 0, false
	}
	return e.Type, true
}

// HATDeviceIdentifier and HATZeroDeviceIdentifier identify the Raspberry
// Pi HAT and HAT Zero co-processors (spec §4.7).
const (
	HATDeviceIdentifier     = 111
	HATZeroDeviceIdentifier = 112
)

// IsolatorPosition is the reserved position character an isolator
// Bricklet uses to relay an already-positioned enumerate callback
// (spec §4.7: "not already relayed by an isolator").
const IsolatorPosition = 'Z'

// BuildDisconnectedCallback synthesizes the full wire frame (8-byte
// header plus the 26-byte enumerate payload) for the
// enumerate-disconnected callback a Stack must emit for uid when it is
// destroyed (spec §3.2 lifecycle, §7, §8). The hardware/firmware
// version and device identifier fields are left zeroed: a disconnected
// client reads only the UID and the type field.
func BuildDisconnectedCallback(uid uint32) []byte {
	frame := make([]byte, HeaderSize+enumerateCallbackPayloadSize)
	h := Header{UID: uid, Length: uint8(len(frame)), FunctionID: FunctionEnumerateCallback}
	_ = MarshalHeader(h, frame)

	var cb EnumerateCallback
	copy(cb.UID[:], Base58Encode(uid))
	cb.Type = EnumerationTypeDisconnected
	cb.MarshalTo(frame[HeaderSize:])
	return frame
}
