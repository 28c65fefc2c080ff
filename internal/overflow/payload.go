package overflow

import "encoding/binary"

// PayloadSize is the length of a major/minor payload.
const PayloadSize = 4

// EncodeMajorMinor packs major then minor as big-endian 16-bit values.
func EncodeMajorMinor(major, minor uint16) []byte {
	b := make([]byte, PayloadSize)
	binary.BigEndian.PutUint16(b[0:2], major)
	binary.BigEndian.PutUint16(b[2:4], minor)
	return b
}

// DecodeMajorMinor is the inverse of EncodeMajorMinor.
func DecodeMajorMinor(b []byte) (major, minor uint16, ok bool) {
	if len(b) < PayloadSize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), true
}
