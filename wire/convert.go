package wire

import "math"

// The wire sample format is fixed: one 32-bit item per complex sample,
// big-endian 16-bit I in the high half and Q in the low half.

// ComplexInt16 is one fixed-point complex sample.
type ComplexInt16 struct {
	I, Q int16
}

// PackSample packs one fixed-point complex sample into a wire item.
func PackSample(i, q int16) uint32 {
	return uint32(uint16(i))<<16 | uint32(uint16(q))
}

// UnpackSample splits a wire item into its I and Q components.
func UnpackSample(item uint32) (i, q int16) {
	return int16(item >> 16), int16(item)
}

// SaturateInt16 rounds v to the nearest integer and clamps it to the
// int16 range instead of wrapping.
func SaturateInt16(v float64) int16 {
	r := math.Round(v)
	if r >= math.MaxInt16 {
		return math.MaxInt16
	}
	if r <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}

// PackComplex64 converts host floating-point samples in [-1.0, +1.0]
// into wire items. Each component is multiplied by its scale factor and
// by 2^15, then saturated, so full scale at unit scaling hits the
// int16 rails exactly.
func PackComplex64(samples []complex64, scaleI, scaleQ int32) []uint32 {
	items := make([]uint32, len(samples))
	si := float64(scaleI) * 32768
	sq := float64(scaleQ) * 32768
	for n, s := range samples {
		i := SaturateInt16(float64(real(s)) * si)
		q := SaturateInt16(float64(imag(s)) * sq)
		items[n] = PackSample(i, q)
	}
	return items
}

// PackComplexInt16 converts fixed-point samples into wire items.
func PackComplexInt16(samples []ComplexInt16) []uint32 {
	items := make([]uint32, len(samples))
	for n, s := range samples {
		items[n] = PackSample(s.I, s.Q)
	}
	return items
}

// ItemsToComplex64 converts wire items back to normalized host floats.
func ItemsToComplex64(items []uint32) []complex64 {
	out := make([]complex64, len(items))
	for n, it := range items {
		i, q := UnpackSample(it)
		out[n] = complex(float32(i)/32768, float32(q)/32768)
	}
	return out
}
