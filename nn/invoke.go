package nn

import (
	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/ml"
)

// Forward enqueues layer i's forward primitive on the stream. in and out are
// pool pointers for activation[i] and activation[i+1]; the workspace pointer
// is meaningful for convolutions only. step feeds the dropout counter so
// masks replay deterministically.
func (n *Network) Forward(s ml.Stream, i int, algo dnn.ConvAlgo, training bool, step uint64, in, out, ws ml.Ptr, wsBytes uint64) {
	l := n.Layers[i]
	switch l.Kind {
	case KindConv:
		n.lib.ConvForward(s, algo, l.In, l.Filter, l.Conv, l.Act, l.Out, dnn.ConvParams{
			X: in, W: l.W, Bias: l.Bias, Y: out,
			Workspace: ws, WorkspaceBytes: wsBytes,
		})
	case KindFC:
		n.lib.FCForward(s, l.In, l.Out, l.Act, in, l.W, l.Bias, out)
	case KindDropout:
		if !training {
			// inference passes through unscaled
			n.lib.ActivationForward(s, dnn.ActivationDesc{Mode: dnn.ActivationNone}, l.In, in, out)
			break
		}
		n.lib.DropoutForward(s, l.Drop, l.In, step, in, out, l.Reserve)
	case KindBatchNorm:
		n.lib.BatchNormForward(s, l.BN, l.In, training, in, out, l.Scale, l.BnBias, l.RunningMean, l.RunningVar, l.Save)
	case KindPool:
		n.lib.PoolForward(s, l.Pool, l.In, l.Out, in, out)
	case KindActivation:
		n.lib.ActivationForward(s, l.Act, l.In, in, out)
	case KindSoftmax:
		n.lib.SoftmaxForward(s, l.SM, l.In, in, out)
	}
}

// Backward enqueues layer i's backward step: the fused activation gradient
// first when one is attached, then the parameter and data gradients, then
// the in-place SGD update. fwdIn and fwdOut are activation[i] and
// activation[i+1]; gradIn is the upstream gradient and gradOut the one this
// layer produces (null for the first layer, skipping the data gradient).
// Softmax layers enqueue nothing: their gradient is computed against the
// layer input directly and aliases through.
func (n *Network) Backward(s ml.Stream, i int, choice ConvChoice, fwdIn, fwdOut, gradIn, gradOut, ws ml.Ptr, wsBytes uint64, lr float64) {
	l := n.Layers[i]
	dt := n.Config.DType

	switch l.Kind {
	case KindConv:
		if l.Act.Mode != dnn.ActivationNone {
			// fold the fused activation gradient into the upstream buffer
			n.lib.ActivationBackward(s, l.Act, l.Out, fwdOut, gradIn, gradIn)
		}
		n.lib.ConvBackwardFilter(s, choice.BwdFilter.Algo, l.In, l.Filter, l.Conv, l.Out, dnn.ConvBwdParams{
			X: fwdIn, W: l.W, Dy: gradIn, Dw: l.DW, Db: l.DBias,
			Workspace: ws, WorkspaceBytes: wsBytes,
		})
		if gradOut.Valid() {
			n.lib.ConvBackwardData(s, choice.BwdData.Algo, l.In, l.Filter, l.Conv, l.Out, dnn.ConvBwdParams{
				X: fwdIn, W: l.W, Dy: gradIn, Dx: gradOut,
				Workspace: ws, WorkspaceBytes: wsBytes,
			})
		}
		n.lib.SGDStep(s, dt, l.W, l.DW, l.Filter.Elements(), lr)
		n.lib.SGDStep(s, dt, l.Bias, l.DBias, l.Filter.K, lr)

	case KindFC:
		if l.Act.Mode != dnn.ActivationNone {
			n.lib.ActivationBackward(s, l.Act, l.Out, fwdOut, gradIn, gradIn)
		}
		in := l.In.Shape.C * l.In.Shape.H * l.In.Shape.W
		out := l.Out.Shape.C
		n.lib.FCBackward(s, l.In, l.Out, fwdIn, l.W, gradIn, l.DW, l.DBias, gradOut)
		n.lib.SGDStep(s, dt, l.W, l.DW, in*out, lr)
		n.lib.SGDStep(s, dt, l.Bias, l.DBias, out, lr)

	case KindDropout:
		n.lib.DropoutBackward(s, l.Drop, l.In, gradIn, gradOut, l.Reserve)

	case KindBatchNorm:
		n.lib.BatchNormBackward(s, l.BN, l.In, fwdIn, gradIn, gradOut, l.Scale, l.DScale, l.DBnBias, l.Save)
		c := l.In.Shape.C
		n.lib.SGDStep(s, dt, l.Scale, l.DScale, c, lr)
		n.lib.SGDStep(s, dt, l.BnBias, l.DBnBias, c, lr)

	case KindPool:
		n.lib.PoolBackward(s, l.Pool, l.In, l.Out, fwdIn, fwdOut, gradIn, gradOut)

	case KindActivation:
		// gradOut aliases gradIn; the primitive writes in place
		n.lib.ActivationBackward(s, l.Act, l.In, fwdOut, gradIn, gradOut)

	case KindSoftmax:
	}
}
