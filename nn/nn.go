// Package nn builds the immutable layer registry: an ordered sequence of
// layer descriptors with shape metadata, enumerated convolution algorithms,
// parameter tensors resident on the device, and the activation and gradient
// pointer tables the executor works through.
package nn

import (
	"fmt"
	"log/slog"

	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/format"
	"github.com/vdnn/vdnn/ml"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

type LayerKind int

const (
	KindConv LayerKind = iota
	KindFC
	KindDropout
	KindBatchNorm
	KindPool
	KindActivation
	KindSoftmax
)

func (k LayerKind) String() string {
	switch k {
	case KindConv:
		return "conv"
	case KindFC:
		return "fc"
	case KindDropout:
		return "dropout"
	case KindBatchNorm:
		return "batchnorm"
	case KindPool:
		return "pool"
	case KindActivation:
		return "activation"
	case KindSoftmax:
		return "softmax"
	default:
		return "unknown"
	}
}

// Layer is one immutable descriptor in the registry. Parameter pointers are
// device allocations owned by the network for its lifetime; everything the
// executor allocates per step lives in the pool instead.
type Layer struct {
	Kind LayerKind

	In, Out dnn.TensorDesc

	// fused mode for conv/fc, the layer mode for standalone activations
	Act dnn.ActivationDesc

	Conv   dnn.ConvDesc
	Filter dnn.FilterDesc
	Pool   dnn.PoolDesc
	Drop   dnn.DropoutDesc
	BN     dnn.BatchNormDesc
	SM     dnn.SoftmaxDesc

	// enumerated convolution algorithms, fastest first
	FwdAlgos       []dnn.ConvAlgoPerf
	BwdFilterAlgos []dnn.ConvAlgoPerf
	BwdDataAlgos   []dnn.ConvAlgoPerf

	// parameters and their gradients
	W, Bias    ml.Ptr
	DW, DBias  ml.Ptr
	Scale      ml.Ptr
	BnBias     ml.Ptr
	DScale     ml.Ptr
	DBnBias    ml.Ptr
	RunningMean, RunningVar ml.Ptr

	// persistent side buffers
	Reserve ml.Ptr // dropout mask carried forward to backward
	Save    ml.Ptr // batchnorm saved mean and inverse variance
}

func (l *Layer) String() string {
	switch l.Kind {
	case KindConv:
		return fmt.Sprintf("conv %dx%dx%d", l.Filter.R, l.Filter.S, l.Filter.K)
	case KindFC:
		return fmt.Sprintf("fc %d", l.Out.Shape.C)
	case KindActivation:
		return "activation " + l.Act.Mode.String()
	case KindPool:
		return fmt.Sprintf("pool %s %d", poolModeName(l.Pool.Mode), l.Pool.Window)
	default:
		return l.Kind.String()
	}
}

func poolModeName(m dnn.PoolingMode) string {
	if m == dnn.PoolingAvg {
		return "avg"
	}
	return "max"
}

// HasParams reports whether the layer carries trainable tensors.
func (l *Layer) HasParams() bool {
	return l.Kind == KindConv || l.Kind == KindFC || l.Kind == KindBatchNorm
}

// ConvChoice is the algorithm triple a plan locks in for one convolution
// layer.
type ConvChoice struct {
	Fwd, BwdFilter, BwdData dnn.ConvAlgoPerf
}

// BwdWorkspaceBytes is the scratch demand of the backward step, which runs
// both the filter and the data gradient.
func (c ConvChoice) BwdWorkspaceBytes() uint64 {
	return max(c.BwdFilter.WorkspaceBytes, c.BwdData.WorkspaceBytes)
}

// SelectAlgos applies the selection policy to all three directions at once.
// It fails only under hard discipline when some direction has no algorithm
// that fits.
func (l *Layer) SelectAlgos(pref dnn.AlgoPref, hard bool, freeBytes, budget uint64) (ConvChoice, bool) {
	fwd, ok := dnn.SelectConvAlgo(l.FwdAlgos, pref, hard, freeBytes, budget)
	if !ok {
		return ConvChoice{}, false
	}
	bf, ok := dnn.SelectConvAlgo(l.BwdFilterAlgos, pref, hard, freeBytes, budget)
	if !ok {
		return ConvChoice{}, false
	}
	bd, ok := dnn.SelectConvAlgo(l.BwdDataAlgos, pref, hard, freeBytes, budget)
	if !ok {
		return ConvChoice{}, false
	}
	return ConvChoice{Fwd: fwd, BwdFilter: bf, BwdData: bd}, true
}

// Network is the built registry plus the pointer tables. Activation[i] is
// the input to layer i and Activation[L] the network output; Grad[i] is the
// upstream gradient feeding layer i's backward. Both tables hold non-owning
// pool pointers managed by the executor.
type Network struct {
	Config Config
	Layers []*Layer

	Activation []ml.Ptr
	Grad       []ml.Ptr

	dev        ml.Device
	lib        dnn.Library
	paramBytes uint64
	owned      []ml.Ptr
}

func (n *Network) Device() ml.Device  { return n.dev }
func (n *Network) Lib() dnn.Library   { return n.lib }
func (n *Network) ParamBytes() uint64 { return n.paramBytes }

// InputDesc is the descriptor of the network input batch.
func (n *Network) InputDesc() dnn.TensorDesc { return n.Layers[0].In }

// OutputDesc is the descriptor of the network output.
func (n *Network) OutputDesc() dnn.TensorDesc { return n.Layers[len(n.Layers)-1].Out }

// Classes is the class count implied by the terminal layer.
func (n *Network) Classes() int { return n.OutputDesc().Shape.C }

// LastHeavy is the index of the last layer that is neither Activation nor
// Softmax, or -1 when no such layer exists.
func (n *Network) LastHeavy() int {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		switch n.Layers[i].Kind {
		case KindActivation, KindSoftmax:
		default:
			return i
		}
	}
	return -1
}

// ActivationBytes is the size of activation[i].
func (n *Network) ActivationBytes(i int) uint64 {
	if i == len(n.Layers) {
		return n.OutputDesc().Bytes()
	}
	return n.Layers[i].In.Bytes()
}

// Build constructs the registry: walks the layer specifications computing
// the shape chain, enumerates convolution algorithms, allocates parameter
// tensors directly on the device and initializes them.
func Build(dev ml.Device, lib dnn.Library, cfg Config, specs []LayerSpec) (*Network, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("network has no layers")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size %d invalid", cfg.BatchSize)
	}

	n := &Network{Config: cfg, dev: dev, lib: lib}
	shape := cfg.inputShape()

	for i, spec := range specs {
		l, err := n.buildLayer(spec, shape)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("layer %d (%s): %w", i, spec.Kind, err)
		}
		n.Layers = append(n.Layers, l)
		shape = l.Out.Shape
	}

	if err := n.initParams(); err != nil {
		n.Close()
		return nil, fmt.Errorf("parameter init: %w", err)
	}

	n.Activation = make([]ml.Ptr, len(n.Layers)+1)
	n.Grad = make([]ml.Ptr, len(n.Layers)+1)

	slog.Debug("network built", "layers", len(n.Layers),
		"params", format.HumanBytes2(n.paramBytes),
		"precision", cfg.DType, "layout", cfg.Layout)
	return n, nil
}

func (n *Network) desc(s ml.Shape) dnn.TensorDesc {
	return dnn.TensorDesc{Shape: s, DType: n.Config.DType, Layout: n.Config.Layout}
}

func (n *Network) buildLayer(spec LayerSpec, in ml.Shape) (*Layer, error) {
	kind, err := parseKind(spec.Kind)
	if err != nil {
		return nil, err
	}
	act, err := parseActivation(spec.Activation)
	if err != nil {
		return nil, err
	}

	l := &Layer{Kind: kind, In: n.desc(in), Act: dnn.ActivationDesc{Mode: act}}

	switch kind {
	case KindConv:
		if spec.OutChannels <= 0 || spec.Kernel <= 0 {
			return nil, fmt.Errorf("conv needs outChannels and kernel")
		}
		stride := spec.Stride
		if stride == 0 {
			stride = 1
		}
		l.Filter = dnn.FilterDesc{K: spec.OutChannels, C: in.C, R: spec.Kernel, S: spec.Kernel, DType: n.Config.DType}
		l.Conv = dnn.ConvDesc{PadH: spec.Pad, PadW: spec.Pad, StrideH: stride, StrideW: stride}
		l.Out = n.desc(l.Conv.OutputShape(in, l.Filter))
		if l.Out.Shape.H <= 0 || l.Out.Shape.W <= 0 {
			return nil, fmt.Errorf("geometry collapses %s to %s", in, l.Out.Shape)
		}
		l.FwdAlgos = n.lib.ConvFwdAlgos(l.In, l.Filter, l.Conv, l.Out)
		l.BwdFilterAlgos = n.lib.ConvBwdFilterAlgos(l.In, l.Filter, l.Conv, l.Out)
		l.BwdDataAlgos = n.lib.ConvBwdDataAlgos(l.In, l.Filter, l.Conv, l.Out)

	case KindFC:
		if spec.OutFeatures <= 0 {
			return nil, fmt.Errorf("fc needs outFeatures")
		}
		l.Out = n.desc(ml.Shape{N: in.N, C: spec.OutFeatures, H: 1, W: 1})

	case KindDropout:
		if spec.Ratio <= 0 || spec.Ratio >= 1 {
			return nil, fmt.Errorf("dropout ratio %g out of range", spec.Ratio)
		}
		l.Drop = dnn.DropoutDesc{Ratio: spec.Ratio, Seed: n.Config.DropoutSeed}
		l.Out = l.In

	case KindBatchNorm:
		eps := spec.Epsilon
		if eps == 0 {
			eps = 1e-5
		}
		momentum := spec.Momentum
		if momentum == 0 {
			momentum = 0.9
		}
		l.BN = dnn.BatchNormDesc{Mode: dnn.BatchNormSpatial, Epsilon: eps, Momentum: momentum}
		l.Out = l.In

	case KindPool:
		mode, err := parsePoolingMode(spec.Mode)
		if err != nil {
			return nil, err
		}
		if spec.Window <= 0 {
			return nil, fmt.Errorf("pool needs window")
		}
		stride := spec.Stride
		if stride == 0 {
			stride = spec.Window
		}
		l.Pool = dnn.PoolDesc{Mode: mode, Window: spec.Window, Stride: stride, Pad: spec.Pad}
		out := l.Pool.OutputShape(in)
		if out.H <= 0 || out.W <= 0 {
			return nil, fmt.Errorf("geometry collapses %s", in)
		}
		l.Out = n.desc(out)

	case KindActivation:
		if act == dnn.ActivationNone {
			return nil, fmt.Errorf("activation layer needs a mode")
		}
		l.Out = l.In

	case KindSoftmax:
		l.SM = dnn.SoftmaxDesc{Epsilon: n.Config.SoftmaxEpsilon}
		l.Out = l.In
	}

	return l, nil
}

// allocOwned allocates a device buffer the network frees at teardown.
func (n *Network) allocOwned(size uint64) (ml.Ptr, error) {
	p, err := n.dev.Alloc(size)
	if err != nil {
		return 0, err
	}
	n.owned = append(n.owned, p)
	n.paramBytes += size
	return p, nil
}

func (n *Network) initParams() error {
	dt := n.Config.DType
	norm := distuv.Normal{Mu: 0, Sigma: n.Config.WeightStd, Src: rand.NewSource(n.Config.DropoutSeed + 1)}

	for _, l := range n.Layers {
		var err error
		switch l.Kind {
		case KindConv:
			elems := l.Filter.Elements()
			if l.W, err = n.allocOwned(l.Filter.Bytes()); err != nil {
				return err
			}
			if l.DW, err = n.allocOwned(l.Filter.Bytes()); err != nil {
				return err
			}
			biasBytes := uint64(l.Filter.K) * dt.Size()
			if l.Bias, err = n.allocOwned(biasBytes); err != nil {
				return err
			}
			if l.DBias, err = n.allocOwned(biasBytes); err != nil {
				return err
			}
			if err := n.upload(l.W, gaussian(norm, elems), dt); err != nil {
				return err
			}
			if err := n.upload(l.Bias, make([]float64, l.Filter.K), dt); err != nil {
				return err
			}

		case KindFC:
			in := l.In.Shape.C * l.In.Shape.H * l.In.Shape.W
			out := l.Out.Shape.C
			wBytes := uint64(in*out) * dt.Size()
			bBytes := uint64(out) * dt.Size()
			if l.W, err = n.allocOwned(wBytes); err != nil {
				return err
			}
			if l.DW, err = n.allocOwned(wBytes); err != nil {
				return err
			}
			if l.Bias, err = n.allocOwned(bBytes); err != nil {
				return err
			}
			if l.DBias, err = n.allocOwned(bBytes); err != nil {
				return err
			}
			if err := n.upload(l.W, gaussian(norm, in*out), dt); err != nil {
				return err
			}
			if err := n.upload(l.Bias, make([]float64, out), dt); err != nil {
				return err
			}

		case KindBatchNorm:
			c := l.In.Shape.C
			pb := l.BN.ParamBytes(l.In)
			for _, p := range []*ml.Ptr{&l.Scale, &l.BnBias, &l.DScale, &l.DBnBias, &l.RunningMean, &l.RunningVar} {
				if *p, err = n.allocOwned(pb); err != nil {
					return err
				}
			}
			if l.Save, err = n.allocOwned(l.BN.SaveBytes(l.In)); err != nil {
				return err
			}
			ones := make([]float64, c)
			for i := range ones {
				ones[i] = 1
			}
			if err := n.upload(l.Scale, ones, dt); err != nil {
				return err
			}
			if err := n.upload(l.RunningVar, ones, dt); err != nil {
				return err
			}
			if err := n.upload(l.BnBias, make([]float64, c), dt); err != nil {
				return err
			}
			if err := n.upload(l.RunningMean, make([]float64, c), dt); err != nil {
				return err
			}

		case KindDropout:
			if l.Reserve, err = n.allocOwned(l.Drop.ReserveBytes(l.In)); err != nil {
				return err
			}
		}
	}
	return nil
}

func gaussian(norm distuv.Normal, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = norm.Rand()
	}
	return v
}

// upload stages values through a pinned buffer and a memory-stream copy.
func (n *Network) upload(dst ml.Ptr, vals []float64, dt ml.DType) error {
	buf, err := n.dev.AllocPinned(uint64(len(vals)) * dt.Size())
	if err != nil {
		return err
	}
	defer buf.Free()

	ml.EncodeFloats(buf.Bytes(), vals, dt)

	s := n.dev.NewStream(ml.StreamMemory)
	defer s.Close()
	n.dev.CopyHtoD(s, dst, buf, buf.Size())
	return s.Synchronize()
}

// Close frees every owned device allocation.
func (n *Network) Close() error {
	var firstErr error
	for _, p := range n.owned {
		if err := n.dev.Free(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.owned = nil
	return firstErr
}
