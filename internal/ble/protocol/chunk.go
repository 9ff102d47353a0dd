package protocol

import "bytes"

// DefaultATTPayload is the largest write that fits the default ATT MTU of
// 23 bytes.
const DefaultATTPayload = 20

// SplitWire splits an encoded command into pieces of at most maxBytes so
// each fits one write. It prefers cutting after a space so no field
// straddles two writes; the firmware only acts on the terminator, so the
// pieces need no framing of their own. maxBytes <= 0 disables splitting.
func SplitWire(wire []byte, maxBytes int) [][]byte {
	if len(wire) == 0 {
		return nil
	}
	if maxBytes <= 0 || len(wire) <= maxBytes {
		return [][]byte{wire}
	}

	parts := make([][]byte, 0, len(wire)/maxBytes+1)
	for len(wire) > maxBytes {
		cut := maxBytes
		if i := bytes.LastIndexByte(wire[:maxBytes], ' '); i >= 0 {
			cut = i + 1
		}
		parts = append(parts, wire[:cut])
		wire = wire[cut:]
	}
	return append(parts, wire)
}
