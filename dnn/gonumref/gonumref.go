// Package gonumref implements the dnn primitive library in host code on top
// of the simulated device. Kernels run as enqueued stream commands over the
// device's backing memory and compute in float64 through gonum, which keeps
// one bit-exact reference for every algorithm variant.
package gonumref

import (
	"fmt"

	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/ml/backend/sim"
)

// Library executes dnn primitives against a simulated device.
type Library struct {
	dev *sim.Device
}

func New(dev *sim.Device) *Library {
	return &Library{dev: dev}
}

// vec copies a device range into a float64 slice, widening from the tensor
// precision.
func (l *Library) vec(p ml.Ptr, n int, dt ml.DType) ([]float64, error) {
	out := make([]float64, n)
	switch dt {
	case ml.DTypeF64:
		f, err := l.dev.Float64s(p, n)
		if err != nil {
			return nil, err
		}
		copy(out, f)
	default:
		f, err := l.dev.Float32s(p, n)
		if err != nil {
			return nil, err
		}
		for i, v := range f {
			out[i] = float64(v)
		}
	}
	return out, nil
}

// storeVec writes a float64 slice back to a device range, narrowing to the
// tensor precision.
func (l *Library) storeVec(p ml.Ptr, v []float64, dt ml.DType) error {
	switch dt {
	case ml.DTypeF64:
		f, err := l.dev.Float64s(p, len(v))
		if err != nil {
			return err
		}
		copy(f, v)
	default:
		f, err := l.dev.Float32s(p, len(v))
		if err != nil {
			return err
		}
		for i, x := range v {
			f[i] = float32(x)
		}
	}
	return nil
}

// load reads a tensor into canonical NCHW order regardless of its device
// layout.
func (l *Library) load(t dnn.TensorDesc, p ml.Ptr) ([]float64, error) {
	raw, err := l.vec(p, t.Shape.Elements(), t.DType)
	if err != nil {
		return nil, err
	}
	if t.Layout != ml.LayoutNHWC {
		return raw, nil
	}

	s := t.Shape
	out := make([]float64, len(raw))
	for n := 0; n < s.N; n++ {
		for c := 0; c < s.C; c++ {
			for h := 0; h < s.H; h++ {
				for w := 0; w < s.W; w++ {
					out[((n*s.C+c)*s.H+h)*s.W+w] = raw[((n*s.H+h)*s.W+w)*s.C+c]
				}
			}
		}
	}
	return out, nil
}

// store writes a canonical NCHW slice back out in the tensor's device layout.
func (l *Library) store(t dnn.TensorDesc, p ml.Ptr, v []float64) error {
	if t.Layout != ml.LayoutNHWC {
		return l.storeVec(p, v, t.DType)
	}

	s := t.Shape
	out := make([]float64, len(v))
	for n := 0; n < s.N; n++ {
		for c := 0; c < s.C; c++ {
			for h := 0; h < s.H; h++ {
				for w := 0; w < s.W; w++ {
					out[((n*s.H+h)*s.W+w)*s.C+c] = v[((n*s.C+c)*s.H+h)*s.W+w]
				}
			}
		}
	}
	return l.storeVec(p, out, t.DType)
}

func checkWorkspace(have, need uint64, algo dnn.ConvAlgo) error {
	if have < need {
		return fmt.Errorf("algorithm %s needs %d workspace bytes, have %d", algo, need, have)
	}
	return nil
}
