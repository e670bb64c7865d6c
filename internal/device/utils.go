package device

import "math"

// float32ToHalf converts to IEEE 754 binary16. Values beyond the half range
// saturate to the largest finite half instead of becoming Inf, and values
// below the smallest normal flush to signed zero.
func float32ToHalf(f float32) uint16 {
	switch {
	case math.IsNaN(float64(f)):
		return 0x7E00
	case math.IsInf(float64(f), 1):
		return 0x7C00
	case math.IsInf(float64(f), -1):
		return 0xFC00
	}

	const maxHalf = 65504.0
	if f > maxHalf {
		f = maxHalf
	} else if f < -maxHalf {
		f = -maxHalf
	}

	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits>>23)&0xFF) - 127 + 15
	frac := (bits >> 13) & 0x3FF

	if exp <= 0 {
		return sign
	}
	if exp >= 0x1F {
		return sign | 0x7BFF
	}
	// round half to even on the dropped mantissa bits
	rest := bits & 0x1FFF
	h := sign | uint16(exp)<<10 | uint16(frac)
	if rest > 0x1000 || (rest == 0x1000 && frac&1 == 1) {
		h++
		if h&0x7C00 == 0x7C00 {
			h = sign | 0x7BFF
		}
	}
	return h
}

// halfToFloat32 widens a binary16 value. Subnormal halves read as zero,
// matching what float32ToHalf can produce.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF

	switch exp {
	case 0:
		return math.Float32frombits(sign << 31)
	case 0x1F:
		return math.Float32frombits(sign<<31 | 0xFF<<23 | frac<<13)
	}
	return math.Float32frombits(sign<<31 | (exp-15+127)<<23 | frac<<13)
}
