package ml

import "fmt"

// DType is the numeric precision shared by every tensor in a network.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF64
)

func (t DType) Size() uint64 {
	switch t {
	case DTypeF64:
		return 8
	default:
		return 4
	}
}

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

func ParseDType(s string) (DType, error) {
	switch s {
	case "", "f32", "float32":
		return DTypeF32, nil
	case "f64", "float64":
		return DTypeF64, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Layout is the in-memory ordering of tensor dimensions.
type Layout int

const (
	LayoutNCHW Layout = iota
	LayoutNHWC
)

func (l Layout) String() string {
	if l == LayoutNHWC {
		return "NHWC"
	}
	return "NCHW"
}

func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "nchw", "NCHW":
		return LayoutNCHW, nil
	case "nhwc", "NHWC":
		return LayoutNHWC, nil
	default:
		return 0, fmt.Errorf("unknown layout %q", s)
	}
}

// Shape is a 4D tensor extent. Fully-connected tensors use H=W=1.
type Shape struct {
	N, C, H, W int
}

func (s Shape) Elements() int {
	return s.N * s.C * s.H * s.W
}

func (s Shape) Bytes(t DType) uint64 {
	return uint64(s.Elements()) * t.Size()
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s.N, s.C, s.H, s.W)
}

// Ptr is a device address. Ownership of the addressed memory lives in the
// Pool or the device allocator; holders of a Ptr never free through it
// implicitly. The zero value is the null pointer.
type Ptr uint64

func (p Ptr) Valid() bool { return p != 0 }
