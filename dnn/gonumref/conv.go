package gonumref

import (
	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/ml"
	"gonum.org/v1/gonum/mat"
)

// im2col lowers one sample to a (C*R*S) x (outH*outW) column matrix.
// Out-of-bounds taps read as zero padding.
func im2col(x []float64, s ml.Shape, n int, f dnn.FilterDesc, conv dnn.ConvDesc, out ml.Shape) *mat.Dense {
	rows := f.C * f.R * f.S
	cols := out.H * out.W
	m := mat.NewDense(rows, cols, nil)

	for c := 0; c < f.C; c++ {
		for r := 0; r < f.R; r++ {
			for q := 0; q < f.S; q++ {
				row := (c*f.R+r)*f.S + q
				for oh := 0; oh < out.H; oh++ {
					ih := oh*conv.StrideH - conv.PadH + r
					for ow := 0; ow < out.W; ow++ {
						iw := ow*conv.StrideW - conv.PadW + q
						if ih < 0 || ih >= s.H || iw < 0 || iw >= s.W {
							continue
						}
						m.Set(row, oh*out.W+ow, x[((n*s.C+c)*s.H+ih)*s.W+iw])
					}
				}
			}
		}
	}
	return m
}

// col2im scatters a column matrix back onto one sample of dx, accumulating
// where filter taps overlap.
func col2im(m *mat.Dense, dx []float64, s ml.Shape, n int, f dnn.FilterDesc, conv dnn.ConvDesc, out ml.Shape) {
	for c := 0; c < f.C; c++ {
		for r := 0; r < f.R; r++ {
			for q := 0; q < f.S; q++ {
				row := (c*f.R+r)*f.S + q
				for oh := 0; oh < out.H; oh++ {
					ih := oh*conv.StrideH - conv.PadH + r
					for ow := 0; ow < out.W; ow++ {
						iw := ow*conv.StrideW - conv.PadW + q
						if ih < 0 || ih >= s.H || iw < 0 || iw >= s.W {
							continue
						}
						dx[((n*s.C+c)*s.H+ih)*s.W+iw] += m.At(row, oh*out.W+ow)
					}
				}
			}
		}
	}
}

func (l *Library) ConvForward(s ml.Stream, algo dnn.ConvAlgo, x dnn.TensorDesc, f dnn.FilterDesc, conv dnn.ConvDesc, act dnn.ActivationDesc, y dnn.TensorDesc, p dnn.ConvParams) {
	s.Enqueue("conv fwd "+algo.String(), func() error {
		if err := checkWorkspace(p.WorkspaceBytes, fwdWorkspace(algo, x, f, y.Shape), algo); err != nil {
			return err
		}

		xv, err := l.load(x, p.X)
		if err != nil {
			return err
		}
		wv, err := l.vec(p.W, f.Elements(), f.DType)
		if err != nil {
			return err
		}
		var bias []float64
		if p.Bias.Valid() {
			if bias, err = l.vec(p.Bias, f.K, f.DType); err != nil {
				return err
			}
		}

		out := y.Shape
		wMat := mat.NewDense(f.K, f.C*f.R*f.S, wv)
		yv := make([]float64, out.Elements())

		for n := 0; n < out.N; n++ {
			colsMat := im2col(xv, x.Shape, n, f, conv, out)

			// the explicit-GEMM strategy stages its column matrix in the
			// caller's workspace
			if algo == dnn.ConvAlgoGEMM && p.Workspace.Valid() {
				if err := l.storeVec(p.Workspace, colsMat.RawMatrix().Data, x.DType); err != nil {
					return err
				}
			}

			var prod mat.Dense
			prod.Mul(wMat, colsMat)

			spatial := out.H * out.W
			for k := 0; k < f.K; k++ {
				base := (n*out.C + k) * spatial
				for i := 0; i < spatial; i++ {
					v := prod.At(k, i)
					if bias != nil {
						v += bias[k]
					}
					yv[base+i] = v
				}
			}
		}

		applyActivation(act.Mode, yv)
		return l.store(y, p.Y, yv)
	})
}

func (l *Library) ConvBackwardFilter(s ml.Stream, algo dnn.ConvAlgo, x dnn.TensorDesc, f dnn.FilterDesc, conv dnn.ConvDesc, dy dnn.TensorDesc, p dnn.ConvBwdParams) {
	s.Enqueue("conv bwd filter "+algo.String(), func() error {
		if err := checkWorkspace(p.WorkspaceBytes, fwdWorkspace(algo, x, f, dy.Shape), algo); err != nil {
			return err
		}

		xv, err := l.load(x, p.X)
		if err != nil {
			return err
		}
		dyv, err := l.load(dy, p.Dy)
		if err != nil {
			return err
		}

		out := dy.Shape
		spatial := out.H * out.W
		dwAcc := mat.NewDense(f.K, f.C*f.R*f.S, nil)
		db := make([]float64, f.K)

		for n := 0; n < out.N; n++ {
			colsMat := im2col(xv, x.Shape, n, f, conv, out)
			dyMat := mat.NewDense(f.K, spatial, dyv[n*out.C*spatial:(n+1)*out.C*spatial])

			var prod mat.Dense
			prod.Mul(dyMat, colsMat.T())
			dwAcc.Add(dwAcc, &prod)

			for k := 0; k < f.K; k++ {
				for i := 0; i < spatial; i++ {
					db[k] += dyMat.At(k, i)
				}
			}
		}

		if err := l.storeVec(p.Dw, dwAcc.RawMatrix().Data, f.DType); err != nil {
			return err
		}
		if p.Db.Valid() {
			return l.storeVec(p.Db, db, f.DType)
		}
		return nil
	})
}

func (l *Library) ConvBackwardData(s ml.Stream, algo dnn.ConvAlgo, x dnn.TensorDesc, f dnn.FilterDesc, conv dnn.ConvDesc, dy dnn.TensorDesc, p dnn.ConvBwdParams) {
	s.Enqueue("conv bwd data "+algo.String(), func() error {
		if !p.Dx.Valid() {
			return nil
		}
		if err := checkWorkspace(p.WorkspaceBytes, fwdWorkspace(algo, x, f, dy.Shape), algo); err != nil {
			return err
		}

		wv, err := l.vec(p.W, f.Elements(), f.DType)
		if err != nil {
			return err
		}
		dyv, err := l.load(dy, p.Dy)
		if err != nil {
			return err
		}

		out := dy.Shape
		spatial := out.H * out.W
		wMat := mat.NewDense(f.K, f.C*f.R*f.S, wv)
		dxv := make([]float64, x.Shape.Elements())

		for n := 0; n < out.N; n++ {
			dyMat := mat.NewDense(f.K, spatial, dyv[n*out.C*spatial:(n+1)*out.C*spatial])

			var prod mat.Dense
			prod.Mul(wMat.T(), dyMat)
			col2im(&prod, dxv, x.Shape, n, f, conv, out)
		}

		return l.store(x, p.Dx, dxv)
	})
}
