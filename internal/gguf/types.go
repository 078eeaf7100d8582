package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GGMLType is the storage type of a tensor.
type GGMLType uint32

const (
	GGMLF32  GGMLType = 0
	GGMLF16  GGMLType = 1
	GGMLQ4_0 GGMLType = 2
	GGMLQ8_0 GGMLType = 8
	GGMLBF16 GGMLType = 30
)

const (
	qk4_0     = 32
	q4_0Block = 2 + qk4_0/2
	qk8_0     = 32
	q8_0Block = 2 + qk8_0
)

func (t GGMLType) String() string {
	switch t {
	case GGMLF32:
		return "F32"
	case GGMLF16:
		return "F16"
	case GGMLQ4_0:
		return "Q4_0"
	case GGMLQ8_0:
		return "Q8_0"
	case GGMLBF16:
		return "BF16"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// RowSize returns the payload size in bytes of n elements.
func (t GGMLType) RowSize(n int) (int, error) {
	switch t {
	case GGMLF32:
		return n * 4, nil
	case GGMLF16, GGMLBF16:
		return n * 2, nil
	case GGMLQ4_0:
		if n%qk4_0 != 0 {
			return 0, fmt.Errorf("%s: %d elements not a multiple of %d", t, n, qk4_0)
		}
		return n / qk4_0 * q4_0Block, nil
	case GGMLQ8_0:
		if n%qk8_0 != 0 {
			return 0, fmt.Errorf("%s: %d elements not a multiple of %d", t, n, qk8_0)
		}
		return n / qk8_0 * q8_0Block, nil
	}
	return 0, fmt.Errorf("unsupported tensor type %s", t)
}

// Dequantize converts n elements of raw payload to float32.
func Dequantize(t GGMLType, raw []byte, n int) ([]float32, error) {
	size, err := t.RowSize(n)
	if err != nil {
		return nil, err
	}
	if len(raw) < size {
		return nil, fmt.Errorf("%s: short payload %d < %d", t, len(raw), size)
	}
	out := make([]float32, n)
	switch t {
	case GGMLF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case GGMLF16:
		for i := range out {
			out[i] = HalfToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case GGMLBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	case GGMLQ8_0:
		for b := 0; b < n/qk8_0; b++ {
			blk := raw[b*q8_0Block:]
			d := HalfToFloat32(binary.LittleEndian.Uint16(blk))
			for j := 0; j < qk8_0; j++ {
				out[b*qk8_0+j] = d * float32(int8(blk[2+j]))
			}
		}
	case GGMLQ4_0:
		for b := 0; b < n/qk4_0; b++ {
			blk := raw[b*q4_0Block:]
			d := HalfToFloat32(binary.LittleEndian.Uint16(blk))
			for j := 0; j < qk4_0/2; j++ {
				q := blk[2+j]
				out[b*qk4_0+j] = d * float32(int(q&0x0f)-8)
				out[b*qk4_0+j+qk4_0/2] = d * float32(int(q>>4)-8)
			}
		}
	}
	return out, nil
}

// HalfToFloat32 converts an IEEE 754 binary16 value.
func HalfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: normalize the mantissa
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}

// Float32ToHalf converts to binary16 with round-to-nearest-even on the
// mantissa. Out-of-range magnitudes saturate to infinity.
func Float32ToHalf(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	exp := int32(b>>23&0xff) - 127 + 15
	mant := b & 0x7fffff
	switch {
	case b&0x7fffffff == 0:
		return sign
	case int32(b>>23&0xff) == 0xff:
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp >= 0x1f:
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 && (mant&0x2fff) != 0 {
		half++
	}
	return half
}
