package gonumref

import (
	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/ml"
)

// colsElems is the size of the per-sample im2col matrix.
func colsElems(f dnn.FilterDesc, out ml.Shape) int {
	return f.C * f.R * f.S * out.H * out.W
}

// workspace demand per algorithm. Every variant computes the same values;
// the demands model the footprint each strategy would have on hardware.
func fwdWorkspace(algo dnn.ConvAlgo, x dnn.TensorDesc, f dnn.FilterDesc, out ml.Shape) uint64 {
	size := x.DType.Size()
	switch algo {
	case dnn.ConvAlgoGEMM:
		return uint64(colsElems(f, out)) * size
	case dnn.ConvAlgoWinograd:
		return 2 * x.Bytes()
	case dnn.ConvAlgoFFT:
		outBytes := out.Bytes(x.DType)
		return 4 * (x.Bytes() + outBytes)
	default:
		return 0
	}
}

func enumerate(x dnn.TensorDesc, f dnn.FilterDesc, out ml.Shape) []dnn.ConvAlgoPerf {
	return []dnn.ConvAlgoPerf{
		{Algo: dnn.ConvAlgoFFT, WorkspaceBytes: fwdWorkspace(dnn.ConvAlgoFFT, x, f, out), Cost: 1.0},
		{Algo: dnn.ConvAlgoWinograd, WorkspaceBytes: fwdWorkspace(dnn.ConvAlgoWinograd, x, f, out), Cost: 1.6},
		{Algo: dnn.ConvAlgoGEMM, WorkspaceBytes: fwdWorkspace(dnn.ConvAlgoGEMM, x, f, out), Cost: 2.4},
		{Algo: dnn.ConvAlgoImplicitGEMM, WorkspaceBytes: 0, Cost: 4.0},
	}
}

func (l *Library) ConvFwdAlgos(x dnn.TensorDesc, f dnn.FilterDesc, conv dnn.ConvDesc, y dnn.TensorDesc) []dnn.ConvAlgoPerf {
	return enumerate(x, f, y.Shape)
}

func (l *Library) ConvBwdFilterAlgos(x dnn.TensorDesc, f dnn.FilterDesc, conv dnn.ConvDesc, dy dnn.TensorDesc) []dnn.ConvAlgoPerf {
	return enumerate(x, f, dy.Shape)
}

func (l *Library) ConvBwdDataAlgos(x dnn.TensorDesc, f dnn.FilterDesc, conv dnn.ConvDesc, dy dnn.TensorDesc) []dnn.ConvAlgoPerf {
	return enumerate(x, f, dy.Shape)
}
