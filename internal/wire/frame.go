// Package wire implements the length-prefixed frame header used on the
// wire: an 8-byte big-endian unsigned length followed by exactly that many
// payload bytes. There is no separator, no magic, no version byte — narrower
// than the teacher framer's multi-protocol, variable-length header, since
// this server has exactly one transport (TCP) and one wire format.
package wire

import "encoding/binary"

// HeaderLen is the size in bytes of a frame's length prefix.
const HeaderLen = 8

// MaxPayloadLen is the largest payload length that fits in a signed 64-bit
// int without overflowing into the sign bit. PutLength and Length do not
// check against it; they encode and decode any uint64.
const MaxPayloadLen = 1<<63 - 1

// PutLength encodes length into header (which must be at least HeaderLen
// bytes) as a big-endian u64.
func PutLength(header []byte, length uint64) {
	binary.BigEndian.PutUint64(header, length)
}

// Length decodes a big-endian u64 length from header (which must be at
// least HeaderLen bytes).
func Length(header []byte) uint64 {
	return binary.BigEndian.Uint64(header)
}
