package codec

import (
	"encoding/binary"
	"math"
)

// HalfToFloat32 converts an IEEE-754 binary16 bit pattern to float32.
// The conversion is exact for every input: zero keeps its sign, subnormals
// are renormalised, infinities stay infinite and NaN stays NaN.
func HalfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal half, normal in single precision
		e := uint32(127 - 15 + 1)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x03ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	}

	return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
}

// halvesToFloat32 decodes little-endian half floats. len(b) must be even.
func halvesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = HalfToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}
