package wire

import "encoding/binary"

// Variable-length unsigned integer encoding. Values below the two-byte tag
// occupy a single byte; larger magnitudes are tagged and stored big-endian in
// 2, 4, or 8 bytes. Entity ids and counts are small in the common case, so
// most encode to one byte.
const (
	tag2 = 0xFD
	tag4 = 0xFE
	tag8 = 0xFF
)

// UvarintLen reports the encoded size of v in bytes.
func UvarintLen(v uint64) int {
	switch {
	case v < tag2:
		return 1
	case v <= 0xFFFF:
		return 3
	case v <= 0xFFFFFFFF:
		return 5
	default:
		return 9
	}
}

// AppendUvarint appends the encoding of v to buf and returns the result.
func AppendUvarint(buf []byte, v uint64) []byte {
	switch {
	case v < tag2:
		return append(buf, byte(v))
	case v <= 0xFFFF:
		buf = append(buf, tag2)
		return binary.BigEndian.AppendUint16(buf, uint16(v))
	case v <= 0xFFFFFFFF:
		buf = append(buf, tag4)
		return binary.BigEndian.AppendUint32(buf, uint32(v))
	default:
		buf = append(buf, tag8)
		return binary.BigEndian.AppendUint64(buf, v)
	}
}

// ReadUvarint decodes a varint from the front of buf, returning the value and
// the number of bytes consumed.
func ReadUvarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrShortBuffer
	}
	switch buf[0] {
	case tag2:
		if len(buf) < 3 {
			return 0, 0, ErrShortBuffer
		}
		return uint64(binary.BigEndian.Uint16(buf[1:3])), 3, nil
	case tag4:
		if len(buf) < 5 {
			return 0, 0, ErrShortBuffer
		}
		return uint64(binary.BigEndian.Uint32(buf[1:5])), 5, nil
	case tag8:
		if len(buf) < 9 {
			return 0, 0, ErrShortBuffer
		}
		return binary.BigEndian.Uint64(buf[1:9]), 9, nil
	default:
		return uint64(buf[0]), 1, nil
	}
}
