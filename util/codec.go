package util

import "encoding/binary"

// ReadUint reads an n-byte (n ∈ {1,2,4,8}) little-endian unsigned integer
// from a starting at off. On-disk structures are bit-packed with an
// explicit little-endian layout, so this never uses native-endian casts.
func ReadUint(a []byte, n, off int) uint64 {
	if off < 0 || off+n > len(a) {
		panic("ReadUint out of bounds")
	}
	switch n {
	case 1:
		return uint64(a[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(a[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(a[off:]))
	case 8:
		return binary.LittleEndian.Uint64(a[off:])
	default:
		panic("unsupported size")
	}
}

// WriteUint writes the low n bytes of val as a little-endian unsigned
// integer into a starting at off.
func WriteUint(a []byte, n, off int, val uint64) {
	if off < 0 || off+n > len(a) {
		panic("WriteUint out of bounds")
	}
	switch n {
	case 1:
		a[off] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(a[off:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(a[off:], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(a[off:], val)
	default:
		panic("unsupported size")
	}
}

// ReadInt32 reads a signed 32-bit little-endian integer at off.
func ReadInt32(a []byte, off int) int32 {
	return int32(ReadUint(a, 4, off))
}

// WriteInt32 writes a signed 32-bit little-endian integer at off.
func WriteInt32(a []byte, off int, val int32) {
	WriteUint(a, 4, off, uint64(uint32(val)))
}
