package words

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBit(t *testing.T) {
	assert.Equal(t, uint16(1), Bit(true))
	assert.Equal(t, uint16(0), Bit(false))
}

func TestBool(t *testing.T) {
	assert.False(t, Bool(0))
	assert.True(t, Bool(1))
	// Any non-zero register reads as true.
	assert.True(t, Bool(0xFF00))
	assert.True(t, Bool(0xFFFF))
}

func TestInt16(t *testing.T) {
	assert.Equal(t, uint16(0xFFFF), FromInt16(-1))
	assert.Equal(t, uint16(0x8000), FromInt16(-32768))
	assert.Equal(t, uint16(0x7FFF), FromInt16(32767))

	assert.Equal(t, int16(-1), Int16(0xFFFF))
	assert.Equal(t, int16(-32768), Int16(0x8000))
	assert.Equal(t, int16(32767), Int16(0x7FFF))
}

func TestInt32(t *testing.T) {
	hi, lo := FromInt32(-1)
	assert.Equal(t, uint16(0xFFFF), hi)
	assert.Equal(t, uint16(0xFFFF), lo)

	hi, lo = FromInt32(1234)
	assert.Equal(t, uint16(0x0000), hi)
	assert.Equal(t, uint16(0x04D2), lo)

	assert.Equal(t, int32(65536), Int32(0x0001, 0x0000))
	assert.Equal(t, int32(-2), Int32(0xFFFF, 0xFFFE))
}

func TestUint32(t *testing.T) {
	hi, lo := FromUint32(0xDEADBEEF)
	assert.Equal(t, uint16(0xDEAD), hi)
	assert.Equal(t, uint16(0xBEEF), lo)

	assert.Equal(t, uint32(0xDEADBEEF), Uint32(0xDEAD, 0xBEEF))
}

func TestFloat32(t *testing.T) {
	hi, lo := FromFloat32(1.0)
	assert.Equal(t, uint16(0x3F80), hi)
	assert.Equal(t, uint16(0x0000), lo)

	hi, lo = FromFloat32(-2.5)
	assert.Equal(t, uint16(0xC020), hi)
	assert.Equal(t, uint16(0x0000), lo)

	// The float32 rounding of pi.
	assert.Equal(t, float32(math.Pi), Float32(0x4049, 0x0FDB))
}

func TestFloat32NaN(t *testing.T) {
	hi, lo := FromFloat32(float32(math.NaN()))
	got := Float32(hi, lo)
	assert.True(t, math.IsNaN(float64(got)))
}

func TestPack(t *testing.T) {
	assert.Equal(t, []byte{0x12, 0x34, 0xAB, 0xCD}, Pack([]uint16{0x1234, 0xABCD}))
	assert.Empty(t, Pack(nil))
}

func TestUnpack(t *testing.T) {
	assert.Equal(t, []uint16{0x1234, 0xABCD}, Unpack([]byte{0x12, 0x34, 0xAB, 0xCD}))

	// A trailing odd byte is ignored.
	assert.Equal(t, []uint16{0x1234}, Unpack([]byte{0x12, 0x34, 0xAB}))
}

func TestInt16RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Int16().Draw(t, "v")
		if got := Int16(FromInt16(v)); got != v {
			t.Fatalf("round trip: expected %d, got %d", v, got)
		}
	})
}

func TestInt32RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Int32().Draw(t, "v")
		hi, lo := FromInt32(v)
		if got := Int32(hi, lo); got != v {
			t.Fatalf("round trip: expected %d, got %d", v, got)
		}
	})
}

func TestInt32WordsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hi := rapid.Uint16().Draw(t, "hi")
		lo := rapid.Uint16().Draw(t, "lo")
		gotHi, gotLo := FromInt32(Int32(hi, lo))
		if gotHi != hi || gotLo != lo {
			t.Fatalf("round trip: expected %04X %04X, got %04X %04X",
				hi, lo, gotHi, gotLo)
		}
	})
}

func TestUint32RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint32().Draw(t, "v")
		hi, lo := FromUint32(v)
		if got := Uint32(hi, lo); got != v {
			t.Fatalf("round trip: expected %08X, got %08X", v, got)
		}
	})
}

func TestFloat32RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float32().Draw(t, "v")
		hi, lo := FromFloat32(v)
		got := Float32(hi, lo)
		if math.Float32bits(got) != math.Float32bits(v) {
			t.Fatalf("round trip: expected %08X, got %08X",
				math.Float32bits(v), math.Float32bits(got))
		}
	})
}

func TestPackRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		regs := rapid.SliceOfN(rapid.Uint16(), 1, 64).Draw(t, "regs")
		got := Unpack(Pack(regs))
		if len(got) != len(regs) {
			t.Fatalf("length: expected %d, got %d", len(regs), len(got))
		}
		for i := range regs {
			if got[i] != regs[i] {
				t.Fatalf("register %d: expected %04X, got %04X", i, regs[i], got[i])
			}
		}
	})
}
