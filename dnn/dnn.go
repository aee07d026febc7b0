// Package dnn defines the boundary to the DNN primitive library: opaque
// descriptors, algorithm enumeration and selection, workspace queries, and
// the kernel entry points the executor enqueues on device streams.
package dnn

import (
	"github.com/vdnn/vdnn/ml"
)

// TensorDesc describes a 4D tensor resident on the device.
type TensorDesc struct {
	Shape  ml.Shape
	DType  ml.DType
	Layout ml.Layout
}

func (d TensorDesc) Bytes() uint64 {
	return d.Shape.Bytes(d.DType)
}

// FilterDesc describes a convolution filter bank: K output channels, C input
// channels, RxS spatial extent.
type FilterDesc struct {
	K, C, R, S int
	DType      ml.DType
}

func (f FilterDesc) Elements() int {
	return f.K * f.C * f.R * f.S
}

func (f FilterDesc) Bytes() uint64 {
	return uint64(f.Elements()) * f.DType.Size()
}

// ConvDesc holds convolution geometry.
type ConvDesc struct {
	PadH, PadW       int
	StrideH, StrideW int
}

// OutputShape computes the result extent of a convolution.
func (c ConvDesc) OutputShape(x ml.Shape, f FilterDesc) ml.Shape {
	return ml.Shape{
		N: x.N,
		C: f.K,
		H: (x.H+2*c.PadH-f.R)/c.StrideH + 1,
		W: (x.W+2*c.PadW-f.S)/c.StrideW + 1,
	}
}

type PoolingMode int

const (
	PoolingMax PoolingMode = iota
	PoolingAvg
)

// PoolDesc holds pooling geometry.
type PoolDesc struct {
	Mode           PoolingMode
	Window, Stride int
	Pad            int
}

func (p PoolDesc) OutputShape(x ml.Shape) ml.Shape {
	return ml.Shape{
		N: x.N,
		C: x.C,
		H: (x.H+2*p.Pad-p.Window)/p.Stride + 1,
		W: (x.W+2*p.Pad-p.Window)/p.Stride + 1,
	}
}

type ActivationMode int

const (
	ActivationNone ActivationMode = iota
	ActivationReLU
	ActivationTanh
	ActivationSigmoid
)

func (m ActivationMode) String() string {
	switch m {
	case ActivationReLU:
		return "relu"
	case ActivationTanh:
		return "tanh"
	case ActivationSigmoid:
		return "sigmoid"
	default:
		return "none"
	}
}

// ActivationDesc describes a pointwise activation, either standalone or
// fused onto a convolution/fully-connected output.
type ActivationDesc struct {
	Mode ActivationMode
}

// DropoutDesc describes a dropout primitive. Reserve space carries the mask
// between forward and backward.
type DropoutDesc struct {
	Ratio float64
	Seed  uint64
}

// ReserveBytes is the size of the mask buffer for the given tensor.
func (d DropoutDesc) ReserveBytes(t TensorDesc) uint64 {
	return t.Bytes()
}

type BatchNormMode int

const (
	// BatchNormSpatial normalizes per channel over N,H,W.
	BatchNormSpatial BatchNormMode = iota
)

// BatchNormDesc describes a batch normalization primitive.
type BatchNormDesc struct {
	Mode     BatchNormMode
	Epsilon  float64
	Momentum float64
}

// SaveBytes is the size of the saved mean+invvar buffer written during the
// training forward pass and consumed by backward.
func (d BatchNormDesc) SaveBytes(t TensorDesc) uint64 {
	return 2 * uint64(t.Shape.C) * t.DType.Size()
}

// ParamBytes is the size of one per-channel parameter tensor.
func (d BatchNormDesc) ParamBytes(t TensorDesc) uint64 {
	return uint64(t.Shape.C) * t.DType.Size()
}

// SoftmaxDesc describes the terminal softmax primitive.
type SoftmaxDesc struct {
	// Epsilon floors probabilities before the caller takes a log.
	Epsilon float64
}

// ConvParams bundles the pointers of a convolution call.
type ConvParams struct {
	X, W, Bias, Y  ml.Ptr
	Workspace      ml.Ptr
	WorkspaceBytes uint64
}

// ConvBwdParams bundles the pointers of the convolution backward calls.
type ConvBwdParams struct {
	X, W, Dy       ml.Ptr
	Dw, Db, Dx     ml.Ptr // Dx may be null for the first layer
	Workspace      ml.Ptr
	WorkspaceBytes uint64
}

// Library is the DNN primitive library. Kernel entry points enqueue work on
// the given stream and return immediately; failures latch in the stream and
// surface at the next synchronize or event wait.
type Library interface {
	// Algorithm enumeration, fastest first.
	ConvFwdAlgos(x TensorDesc, f FilterDesc, conv ConvDesc, y TensorDesc) []ConvAlgoPerf
	ConvBwdFilterAlgos(x TensorDesc, f FilterDesc, conv ConvDesc, dy TensorDesc) []ConvAlgoPerf
	ConvBwdDataAlgos(x TensorDesc, f FilterDesc, conv ConvDesc, dy TensorDesc) []ConvAlgoPerf

	ConvForward(s ml.Stream, algo ConvAlgo, x TensorDesc, f FilterDesc, conv ConvDesc, act ActivationDesc, y TensorDesc, p ConvParams)
	ConvBackwardFilter(s ml.Stream, algo ConvAlgo, x TensorDesc, f FilterDesc, conv ConvDesc, dy TensorDesc, p ConvBwdParams)
	ConvBackwardData(s ml.Stream, algo ConvAlgo, x TensorDesc, f FilterDesc, conv ConvDesc, dy TensorDesc, p ConvBwdParams)

	FCForward(s ml.Stream, x TensorDesc, y TensorDesc, act ActivationDesc, xp, w, bias, yp ml.Ptr)
	FCBackward(s ml.Stream, x TensorDesc, y TensorDesc, xp, w, dy, dw, db, dx ml.Ptr)

	PoolForward(s ml.Stream, pool PoolDesc, x TensorDesc, y TensorDesc, xp, yp ml.Ptr)
	PoolBackward(s ml.Stream, pool PoolDesc, x TensorDesc, y TensorDesc, xp, yp, dy, dx ml.Ptr)

	ActivationForward(s ml.Stream, act ActivationDesc, x TensorDesc, xp, yp ml.Ptr)
	// ActivationBackward computes dx from dy using the forward output y.
	ActivationBackward(s ml.Stream, act ActivationDesc, x TensorDesc, yp, dy, dx ml.Ptr)

	// DropoutForward draws a fresh mask into reserve; counter distinguishes
	// steps so masks differ across steps but replay identically for a fixed
	// seed.
	DropoutForward(s ml.Stream, drop DropoutDesc, x TensorDesc, counter uint64, xp, yp, reserve ml.Ptr)
	DropoutBackward(s ml.Stream, drop DropoutDesc, x TensorDesc, dy, dx, reserve ml.Ptr)

	BatchNormForward(s ml.Stream, bn BatchNormDesc, x TensorDesc, training bool, xp, yp, scale, bias, runningMean, runningVar, save ml.Ptr)
	BatchNormBackward(s ml.Stream, bn BatchNormDesc, x TensorDesc, xp, dy, dx, scale, dScale, dBias, save ml.Ptr)

	SoftmaxForward(s ml.Stream, sm SoftmaxDesc, x TensorDesc, xp, yp ml.Ptr)

	// SGDStep applies w -= lr * dw over n elements.
	SGDStep(s ml.Stream, dtype ml.DType, w, dw ml.Ptr, n int, lr float64)
}
