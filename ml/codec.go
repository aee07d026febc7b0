package ml

import (
	"encoding/binary"
	"math"
)

// EncodeFloats writes vals into dst using the device encoding for the dtype.
func EncodeFloats(dst []byte, vals []float64, dt DType) {
	switch dt {
	case DTypeF64:
		for i, v := range vals {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	default:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	}
}

// DecodeFloats reads n values from src in the device encoding for the dtype.
func DecodeFloats(src []byte, n int, dt DType) []float64 {
	out := make([]float64, n)
	switch dt {
	case DTypeF64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	default:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	}
	return out
}
