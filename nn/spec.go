package nn

import (
	"fmt"

	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/ml"
)

// LayerSpec is one entry of a network description. The CLI unmarshals these
// from YAML, so the field tags follow the JSON names sigs.k8s.io/yaml maps
// onto.
type LayerSpec struct {
	Kind string `json:"kind"`

	// convolution
	OutChannels int `json:"outChannels,omitempty"`
	Kernel      int `json:"kernel,omitempty"`
	Pad         int `json:"pad,omitempty"`
	Stride      int `json:"stride,omitempty"`

	// fully connected
	OutFeatures int `json:"outFeatures,omitempty"`

	// fused onto conv/fc, or the mode of a standalone activation layer
	Activation string `json:"activation,omitempty"`

	// dropout
	Ratio float64 `json:"ratio,omitempty"`

	// pooling
	Window int    `json:"window,omitempty"`
	Mode   string `json:"mode,omitempty"`

	// batchnorm
	Epsilon  float64 `json:"epsilon,omitempty"`
	Momentum float64 `json:"momentum,omitempty"`
}

// Config carries the network-wide construction inputs.
type Config struct {
	DType     ml.DType
	Layout    ml.Layout
	BatchSize int

	// per-sample input extent
	InputC, InputH, InputW int

	DropoutSeed    uint64
	SoftmaxEpsilon float64
	WeightStd      float64
}

func (c Config) inputShape() ml.Shape {
	return ml.Shape{N: c.BatchSize, C: c.InputC, H: c.InputH, W: c.InputW}
}

func parseKind(s string) (LayerKind, error) {
	switch s {
	case "conv":
		return KindConv, nil
	case "fc":
		return KindFC, nil
	case "dropout":
		return KindDropout, nil
	case "batchnorm":
		return KindBatchNorm, nil
	case "pool":
		return KindPool, nil
	case "activation":
		return KindActivation, nil
	case "softmax":
		return KindSoftmax, nil
	default:
		return 0, fmt.Errorf("unknown layer kind %q", s)
	}
}

func parseActivation(s string) (dnn.ActivationMode, error) {
	switch s {
	case "", "none":
		return dnn.ActivationNone, nil
	case "relu":
		return dnn.ActivationReLU, nil
	case "tanh":
		return dnn.ActivationTanh, nil
	case "sigmoid":
		return dnn.ActivationSigmoid, nil
	default:
		return 0, fmt.Errorf("unknown activation %q", s)
	}
}

func parsePoolingMode(s string) (dnn.PoolingMode, error) {
	switch s {
	case "", "max":
		return dnn.PoolingMax, nil
	case "avg":
		return dnn.PoolingAvg, nil
	default:
		return 0, fmt.Errorf("unknown pooling mode %q", s)
	}
}
