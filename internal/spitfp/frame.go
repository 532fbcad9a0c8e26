// Package spitfp implements the SPITFP Link (C7) of spec §4.7: a
// reliable, sequence-numbered, Pearson-checksummed byte-stream framing
// over full-duplex SPI, plus the polling cadence and bootstrap logic
// that drive one physical Bricklet port.
package spitfp

import (
	"github.com/tinkerforge/brickd/internal/queue"
	"github.com/tinkerforge/brickd/internal/tfp"
)

// Frame size bounds (spec §4.7: "3 = standalone ack; otherwise 11..83").
const (
	AckFrameLength = 3
	MinMsgFrameLength = tfp.MinSPITFPMessage // 11
	MaxMsgFrameLength = tfp.MaxSPITFPMessage // 83

	// FirstSequenceNumber is reserved for the very first message after
	// reset and is always acked even if no new message was seen.
	FirstSequenceNumber = 1
	MaxSequenceNumber   = 15
)

// NextSequenceNumber advances seq per spec §4.7: wraps 15 -> 2, skipping
// the reserved boot value 1.
func NextSequenceNumber(seq uint8) uint8 {
	if seq >= MaxSequenceNumber {
		return 2
	}
	if seq == 0 {
		return FirstSequenceNumber
	}
	return seq + 1
}

// seqByte packs the current/last-seen sequence nibbles into frame byte
// 1 (spec §4.7: "(current_seq & 0x0F) | (last_seq_seen << 4)").
func seqByte(currentSeq, lastSeenSeq uint8) byte {
	return (currentSeq & 0x0F) | (lastSeenSeq << 4)
}

func unpackSeqByte(b byte) (currentSeq, lastSeenSeq uint8) {
	return b & 0x0F, b >> 4
}

// BuildAckFrame encodes a standalone 3-byte ack frame.
func BuildAckFrame(currentSeq, lastSeenSeq uint8) []byte {
	frame := make([]byte, AckFrameLength)
	frame[0] = AckFrameLength
	frame[1] = seqByte(currentSeq, lastSeenSeq)
	frame[2] = ChecksumBytes(frame[:2])
	return frame
}

// BuildMessageFrame encodes a message frame carrying payload (a full
// TFP packet, HeaderSize..MaxPacketSize bytes).
func BuildMessageFrame(currentSeq, lastSeenSeq uint8, payload []byte) []byte {
	length := len(payload) + 3
	frame := make([]byte, length)
	frame[0] = byte(length)
	frame[1] = seqByte(currentSeq, lastSeenSeq)
	copy(frame[2:], payload)
	frame[length-1] = ChecksumBytes(frame[:length-1])
	return frame
}

// ParsedFrame is one fully-validated frame pulled off the receive ring.
type ParsedFrame struct {
	IsAck       bool
	Seq         uint8 // sender's current sequence number
	LastSeen    uint8 // sender's view of our last-seen sequence number
	Payload     []byte
}

// parserState drives the ring-buffer frame parser of spec §4.7
// ("Parser (drives recv_ringbuffer)").
type parserState int

const (
	stateStart parserState = iota
	stateAckSeq
	stateAckChecksum
	stateMsgSeq
	stateMsgData
	stateMsgChecksum
)

// FrameErrorCounter counts checksum/framing failures for diagnostics
// and metrics.
type FrameErrorCounter struct {
	ChecksumErrors int
	FrameErrors    int
}

// ExtractFrame attempts to pull one complete, checksum-valid frame from
// the front of ring, per spec §4.7's parser state machine. It returns
// ok=false when the ring doesn't yet hold a complete frame (the caller
// should wait for more bytes). On a checksum failure or an invalid
// length byte, the whole ring is drained and ok=false is returned with
// an error recorded in counters; the bytes are consumed in the latter
// case, so the caller should retry ExtractFrame for anything the drain
// left behind (nothing, by construction).
func ExtractFrame(ring *queue.Ring, counters *FrameErrorCounter) (ParsedFrame, bool) {
	state := stateStart
	for {
		switch state {
		case stateStart:
			length, ok := ring.Peek(0)
			if !ok {
				return ParsedFrame{}, false
			}
			if length == 0 {
				ring.Remove(1) // skip padding/idle byte
				continue
			}
			switch {
			case length == AckFrameLength:
				state = stateAckSeq
			case int(length) >= MinMsgFrameLength && int(length) <= MaxMsgFrameLength:
				state = stateMsgSeq
			default:
				counters.FrameErrors++
				ring.Drain()
				return ParsedFrame{}, false
			}

		case stateAckSeq:
			if ring.Used() < AckFrameLength {
				return ParsedFrame{}, false
			}
			state = stateAckChecksum

		case stateAckChecksum:
			return finishFrame(ring, AckFrameLength, true, counters)

		case stateMsgSeq:
			length, _ := ring.Peek(0)
			if ring.Used() < int(length) {
				return ParsedFrame{}, false
			}
			state = stateMsgData

		case stateMsgData:
			state = stateMsgChecksum

		case stateMsgChecksum:
			length, _ := ring.Peek(0)
			return finishFrame(ring, int(length), false, counters)
		}
	}
}

func finishFrame(ring *queue.Ring, length int, isAck bool, counters *FrameErrorCounter) (ParsedFrame, bool) {
	buf := make([]byte, length)
	for i := 0; i < length; i++ {
		b, _ := ring.Peek(i)
		buf[i] = b
	}
	want := ChecksumBytes(buf[:length-1])
	if buf[length-1] != want {
		counters.ChecksumErrors++
		ring.Drain()
		return ParsedFrame{}, false
	}

	ring.Remove(length)
	seq, lastSeen := unpackSeqByte(buf[1])
	pf := ParsedFrame{IsAck: isAck, Seq: seq, LastSeen: lastSeen}
	if !isAck {
		pf.Payload = buf[2 : length-1]
	}
	return pf, true
}
