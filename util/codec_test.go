package util

import "testing"

import "github.com/stretchr/testify/assert"

func TestWriteReadUintRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	WriteUint(buf, 2, 0, 0xBEEF)
	WriteUint(buf, 4, 2, 0xDEADBEEF)
	WriteUint(buf, 1, 6, 0xAB)
	WriteUint(buf, 8, 8, 0x0102030405060708)

	assert.Equal(t, uint64(0xBEEF), ReadUint(buf, 2, 0))
	assert.Equal(t, uint64(0xDEADBEEF), ReadUint(buf, 4, 2))
	assert.Equal(t, uint64(0xAB), ReadUint(buf, 1, 6))
	assert.Equal(t, uint64(0x0102030405060708), ReadUint(buf, 8, 8))
}

func TestUintLittleEndian(t *testing.T) {
	buf := make([]byte, 4)
	WriteUint(buf, 4, 0, 0x01020304)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf)
}

func TestInt32RoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	WriteInt32(buf, 0, -1)
	assert.Equal(t, int32(-1), ReadInt32(buf, 0))

	WriteInt32(buf, 0, 1234)
	assert.Equal(t, int32(1234), ReadInt32(buf, 0))
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, 3, Min(3, 5))
	assert.Equal(t, 5, Min(5, 3))
	assert.Equal(t, 5, Max(3, 5))
	assert.Equal(t, 5, Max(5, 3))
}

func TestRoundingHelpers(t *testing.T) {
	assert.Equal(t, 8, Rounddown(10, 8))
	assert.Equal(t, 16, Roundup(10, 8))
	assert.Equal(t, 2, DivRoundUp(10, 8))
	assert.Equal(t, 1, DivRoundUp(8, 8))
}
