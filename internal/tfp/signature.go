package tfp

import "fmt"

// ComputeSignature renders a short diagnostic string for a header,
// grounded on original_source/src/brickd/packet.c's
// packet_get_{request,response,callback}_signature helpers, collapsed
// into one function that branches on sequence number and
// response-expected instead of three near-duplicate string builders.
func ComputeSignature(h Header) string {
	switch {
	case h.IsCallback():
		return fmt.Sprintf("U: %x, L: %d, F: %d, S: %d (C)", h.UID, h.Length, h.FunctionID, h.SequenceNumber())
	case h.ResponseExpected():
		return fmt.Sprintf("U: %x, L: %d, F: %d, S: %d, R: 1", h.UID, h.Length, h.FunctionID, h.SequenceNumber())
	default:
		return fmt.Sprintf("U: %x, L: %d, F: %d, S: %d, R: 0", h.UID, h.Length, h.FunctionID, h.SequenceNumber())
	}
}
