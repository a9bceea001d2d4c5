// Package words converts between Modbus 16-bit registers and typed tag
// values. All conversions are pure functions and use big-endian word order:
// the first register of a pair carries the high 16 bits. Callers that talk
// to little-endian-word devices swap the pair before and after.
package words

import "math"

// Bit returns the register representation of a boolean (1 or 0).
func Bit(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}

// Bool interprets a register as a boolean. Any non-zero value is true.
func Bool(w uint16) bool {
	return w != 0
}

// FromInt16 returns the register representation of a signed 16-bit integer
// (two's complement).
func FromInt16(v int16) uint16 {
	return uint16(v)
}

// Int16 interprets a register as a signed 16-bit integer (two's complement).
func Int16(w uint16) int16 {
	return int16(w)
}

// FromUint32 splits an unsigned 32-bit integer into a register pair.
func FromUint32(v uint32) (hi, lo uint16) {
	return uint16(v >> 16), uint16(v & 0xFFFF)
}

// Uint32 combines a register pair into an unsigned 32-bit integer.
func Uint32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

// FromInt32 splits a signed 32-bit integer into a register pair
// (two's complement).
func FromInt32(v int32) (hi, lo uint16) {
	return FromUint32(uint32(v))
}

// Int32 combines a register pair into a signed 32-bit integer
// (two's complement).
func Int32(hi, lo uint16) int32 {
	return int32(Uint32(hi, lo))
}

// FromFloat32 splits an IEEE-754 single-precision float into a register pair.
// The bit pattern is preserved exactly, but note that some environments
// quietly canonicalize signaling NaNs, so NaN payloads are not guaranteed to
// round-trip through hardware.
func FromFloat32(v float32) (hi, lo uint16) {
	return FromUint32(math.Float32bits(v))
}

// Float32 combines a register pair into an IEEE-754 single-precision float.
func Float32(hi, lo uint16) float32 {
	return math.Float32frombits(Uint32(hi, lo))
}

// Pack serializes registers to bytes, big-endian.
func Pack(regs []uint16) []byte {
	buf := make([]byte, len(regs)*2)
	for i, r := range regs {
		buf[i*2] = byte(r >> 8)
		buf[i*2+1] = byte(r)
	}
	return buf
}

// Unpack deserializes big-endian bytes to registers. A trailing odd byte is
// ignored.
func Unpack(buf []byte) []uint16 {
	regs := make([]uint16, len(buf)/2)
	for i := range regs {
		regs[i] = uint16(buf[i*2])<<8 | uint16(buf[i*2+1])
	}
	return regs
}
