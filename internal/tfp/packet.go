// Package tfp implements the Tinkerforge Protocol packet model: the
// fixed 8-byte-header frame used between clients, the daemon, and every
// device transport (spec §3.1, §4.2).
package tfp

import (
	"encoding/binary"
	"fmt"

	"github.com/tinkerforge/brickd/internal/brickderr"
)

// Size limits, grounded on original_source/src/brickd/packet.h and
// bricklet_stack.h.
const (
	HeaderSize     = 8
	MinPacketSize  = 8
	MaxPacketSize  = 80
	MaxPayloadSize = MaxPacketSize - HeaderSize

	// SPITFPOverhead is the 3-byte framing overhead SPITFP adds around a
	// TFP packet (§4.2, §4.7).
	SPITFPOverhead   = 3
	MinSPITFPMessage = MinPacketSize + SPITFPOverhead
	MaxSPITFPMessage = MaxPacketSize + SPITFPOverhead
)

// Well-known UIDs and function IDs (§6, original_source packet.h).
const (
	UIDDaemon = 0
	UIDBrickDaemon = 1

	FunctionGetAuthenticationNonce = 1
	FunctionAuthenticate           = 2
	FunctionDisconnectProbe        = 128
	FunctionEnumerateCallback      = 253
)

// ErrorCode occupies bits 7..6 of the error_and_future header byte.
type ErrorCode uint8

const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeInvalidParameter
	ErrorCodeFunctionNotSupported
	ErrorCodeUnknown
)

// Header is the 8-byte TFP frame header, little-endian on the wire.
// The UID is kept in on-the-wire little-endian form even in memory, per
// spec §3.2, to avoid repeated byte-swaps in the recipient tables.
type Header struct {
	UID            uint32 // little-endian on wire, stored as host uint32 decoded from LE bytes
	Length         uint8
	FunctionID     uint8
	SeqAndOpts     uint8
	ErrorAndFuture uint8
}

// SequenceNumber returns bits 7..4 of SeqAndOpts.
func (h Header) SequenceNumber() uint8 { return h.SeqAndOpts >> 4 }

// SetSequenceNumber sets bits 7..4 of SeqAndOpts, preserving the rest.
func (h *Header) SetSequenceNumber(seq uint8) {
	h.SeqAndOpts = (h.SeqAndOpts & 0x0F) | (seq << 4)
}

// ResponseExpected reports bit 3 of SeqAndOpts.
func (h Header) ResponseExpected() bool { return h.SeqAndOpts&0x08 != 0 }

// SetResponseExpected sets or clears bit 3 of SeqAndOpts.
func (h *Header) SetResponseExpected(v bool) {
	if v {
		h.SeqAndOpts |= 0x08
	} else {
		h.SeqAndOpts &^= 0x08
	}
}

// AuthOpts returns bits 2..0 of SeqAndOpts (authentication/future use).
func (h Header) AuthOpts() uint8 { return h.SeqAndOpts & 0x07 }

// GetErrorCode returns bits 7..6 of ErrorAndFuture.
func (h Header) GetErrorCode() ErrorCode { return ErrorCode(h.ErrorAndFuture >> 6) }

// SetErrorCode sets bits 7..6 of ErrorAndFuture, preserving the rest.
func (h *Header) SetErrorCode(ec ErrorCode) {
	h.ErrorAndFuture = (h.ErrorAndFuture & 0x3F) | (uint8(ec) << 6)
}

// IsCallback reports whether this header carries a callback/event
// (sequence number 0), as opposed to a request or response.
func (h Header) IsCallback() bool { return h.SequenceNumber() == 0 }

// Packet is a full TFP frame: header plus up to 72 bytes of payload.
type Packet struct {
	Header  Header
	Payload [MaxPayloadSize]byte
}

// ParseHeader decodes the first HeaderSize bytes of buf into a Header.
// It does not validate; see ValidateRequest/ValidateResponse.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, brickderr.ErrPacketTooShort
	}
	return Header{
		UID:            binary.LittleEndian.Uint32(buf[0:4]),
		Length:         buf[4],
		FunctionID:     buf[5],
		SeqAndOpts:     buf[6],
		ErrorAndFuture: buf[7],
	}, nil
}

// MarshalHeader encodes h into the first HeaderSize bytes of buf.
// Returns brickderr.ErrPacketTooShort if buf is too small.
func MarshalHeader(h Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return brickderr.ErrPacketTooShort
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.UID)
	buf[4] = h.Length
	buf[5] = h.FunctionID
	buf[6] = h.SeqAndOpts
	buf[7] = h.ErrorAndFuture
	return nil
}

// ValidateRequest checks the invariants of spec §3.1 for a request header:
// length in [8,80], function_id != 0, sequence_number != 0.
func ValidateRequest(h Header) error {
	if h.Length < MinPacketSize {
		return brickderr.ErrPacketTooShort
	}
	if h.Length > MaxPacketSize {
		return brickderr.ErrPacketTooLong
	}
	if h.FunctionID == 0 {
		return brickderr.ErrZeroFunctionID
	}
	if h.SequenceNumber() == 0 {
		return brickderr.ErrZeroSequence
	}
	return nil
}

// ValidateResponse checks the invariants of spec §3.1 for a response
// header: uid != 0, function_id != 0, response-expected bit set.
// A response with sequence number 0 is a callback and is exempt from the
// response-expected requirement (callbacks never set it).
func ValidateResponse(h Header) error {
	if h.Length < MinPacketSize {
		return brickderr.ErrPacketTooShort
	}
	if h.Length > MaxPacketSize {
		return brickderr.ErrPacketTooLong
	}
	if h.UID == 0 {
		return brickderr.ErrZeroUID
	}
	if h.FunctionID == 0 {
		return brickderr.ErrZeroFunctionID
	}
	if !h.IsCallback() && !h.ResponseExpected() {
		return brickderr.ErrResponseExpected
	}
	return nil
}

// Pending identifies an outstanding client request awaiting a response.
type Pending struct {
	UID            uint32
	FunctionID     uint8
	SequenceNumber uint8
}

// MatchesPending reports whether response matches the pending request:
// (uid, function_id, sequence_number) must all agree (spec §3.1, §4.4).
func MatchesPending(response Header, pending Pending) bool {
	return response.UID == pending.UID &&
		response.FunctionID == pending.FunctionID &&
		response.SequenceNumber() == pending.SequenceNumber
}

// IsDaemonAuthRequest reports whether h addresses the daemon's
// authentication handshake (GetAuthenticationNonce or Authenticate).
// The spec names both UID 0 ("0 addresses the daemon itself", §3.1/
// §4.4) and UID 1 ("function IDs 1 and 2 on UID 1", §6) as the
// daemon's address for these two functions; both are accepted here so
// neither passage is violated.
func IsDaemonAuthRequest(h Header) bool {
	if h.FunctionID != FunctionGetAuthenticationNonce && h.FunctionID != FunctionAuthenticate {
		return false
	}
	return h.UID == UIDDaemon || h.UID == UIDBrickDaemon
}

// String renders a header for diagnostics.
func (h Header) String() string {
	return fmt.Sprintf("uid=%#08x len=%d fid=%d seq=%d resp_exp=%t err=%d",
		h.UID, h.Length, h.FunctionID, h.SequenceNumber(), h.ResponseExpected(), h.GetErrorCode())
}
