package gonumref

import (
	"math"
	"math/rand"

	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/ml"
	"gonum.org/v1/gonum/mat"
)

func applyActivation(mode dnn.ActivationMode, v []float64) {
	switch mode {
	case dnn.ActivationReLU:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case dnn.ActivationTanh:
		for i, x := range v {
			v[i] = math.Tanh(x)
		}
	case dnn.ActivationSigmoid:
		for i, x := range v {
			v[i] = 1 / (1 + math.Exp(-x))
		}
	}
}

// activationGrad maps dy to dx using the forward output y.
func activationGrad(mode dnn.ActivationMode, y, dy, dx []float64) {
	switch mode {
	case dnn.ActivationReLU:
		for i := range dy {
			if y[i] > 0 {
				dx[i] = dy[i]
			} else {
				dx[i] = 0
			}
		}
	case dnn.ActivationTanh:
		for i := range dy {
			dx[i] = dy[i] * (1 - y[i]*y[i])
		}
	case dnn.ActivationSigmoid:
		for i := range dy {
			dx[i] = dy[i] * y[i] * (1 - y[i])
		}
	default:
		copy(dx, dy)
	}
}

func (l *Library) FCForward(s ml.Stream, x dnn.TensorDesc, y dnn.TensorDesc, act dnn.ActivationDesc, xp, w, bias, yp ml.Ptr) {
	s.Enqueue("fc fwd", func() error {
		in := x.Shape.C * x.Shape.H * x.Shape.W
		out := y.Shape.C
		batch := x.Shape.N

		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}
		wv, err := l.vec(w, out*in, x.DType)
		if err != nil {
			return err
		}
		var bv []float64
		if bias.Valid() {
			if bv, err = l.vec(bias, out, x.DType); err != nil {
				return err
			}
		}

		xMat := mat.NewDense(batch, in, xv)
		wMat := mat.NewDense(out, in, wv)

		var prod mat.Dense
		prod.Mul(xMat, wMat.T())

		yv := make([]float64, batch*out)
		for n := 0; n < batch; n++ {
			for k := 0; k < out; k++ {
				v := prod.At(n, k)
				if bv != nil {
					v += bv[k]
				}
				yv[n*out+k] = v
			}
		}

		applyActivation(act.Mode, yv)
		return l.store(y, yp, yv)
	})
}

func (l *Library) FCBackward(s ml.Stream, x dnn.TensorDesc, y dnn.TensorDesc, xp, w, dy, dw, db, dx ml.Ptr) {
	s.Enqueue("fc bwd", func() error {
		in := x.Shape.C * x.Shape.H * x.Shape.W
		out := y.Shape.C
		batch := x.Shape.N

		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}
		dyv, err := l.load(y, dy)
		if err != nil {
			return err
		}

		xMat := mat.NewDense(batch, in, xv)
		dyMat := mat.NewDense(batch, out, dyv)

		var dwMat mat.Dense
		dwMat.Mul(dyMat.T(), xMat)
		if err := l.storeVec(dw, dwMat.RawMatrix().Data, x.DType); err != nil {
			return err
		}

		if db.Valid() {
			dbv := make([]float64, out)
			for n := 0; n < batch; n++ {
				for k := 0; k < out; k++ {
					dbv[k] += dyMat.At(n, k)
				}
			}
			if err := l.storeVec(db, dbv, x.DType); err != nil {
				return err
			}
		}

		if !dx.Valid() {
			return nil
		}
		wv, err := l.vec(w, out*in, x.DType)
		if err != nil {
			return err
		}
		wMat := mat.NewDense(out, in, wv)

		var dxMat mat.Dense
		dxMat.Mul(dyMat, wMat)
		return l.store(x, dx, dxMat.RawMatrix().Data)
	})
}

func (l *Library) PoolForward(s ml.Stream, pool dnn.PoolDesc, x dnn.TensorDesc, y dnn.TensorDesc, xp, yp ml.Ptr) {
	s.Enqueue("pool fwd", func() error {
		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}

		in, out := x.Shape, y.Shape
		yv := make([]float64, out.Elements())

		for n := 0; n < out.N; n++ {
			for c := 0; c < out.C; c++ {
				for oh := 0; oh < out.H; oh++ {
					for ow := 0; ow < out.W; ow++ {
						var acc float64
						first := true
						for r := 0; r < pool.Window; r++ {
							ih := oh*pool.Stride - pool.Pad + r
							if ih < 0 || ih >= in.H {
								continue
							}
							for q := 0; q < pool.Window; q++ {
								iw := ow*pool.Stride - pool.Pad + q
								if iw < 0 || iw >= in.W {
									continue
								}
								v := xv[((n*in.C+c)*in.H+ih)*in.W+iw]
								switch {
								case pool.Mode == dnn.PoolingAvg:
									acc += v
								case first || v > acc:
									acc = v
								}
								first = false
							}
						}
						if pool.Mode == dnn.PoolingAvg {
							acc /= float64(pool.Window * pool.Window)
						}
						yv[((n*out.C+c)*out.H+oh)*out.W+ow] = acc
					}
				}
			}
		}

		return l.store(y, yp, yv)
	})
}

func (l *Library) PoolBackward(s ml.Stream, pool dnn.PoolDesc, x dnn.TensorDesc, y dnn.TensorDesc, xp, yp, dy, dx ml.Ptr) {
	s.Enqueue("pool bwd", func() error {
		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}
		dyv, err := l.load(y, dy)
		if err != nil {
			return err
		}

		in, out := x.Shape, y.Shape
		dxv := make([]float64, in.Elements())

		for n := 0; n < out.N; n++ {
			for c := 0; c < out.C; c++ {
				for oh := 0; oh < out.H; oh++ {
					for ow := 0; ow < out.W; ow++ {
						g := dyv[((n*out.C+c)*out.H+oh)*out.W+ow]
						if pool.Mode == dnn.PoolingAvg {
							share := g / float64(pool.Window*pool.Window)
							for r := 0; r < pool.Window; r++ {
								ih := oh*pool.Stride - pool.Pad + r
								if ih < 0 || ih >= in.H {
									continue
								}
								for q := 0; q < pool.Window; q++ {
									iw := ow*pool.Stride - pool.Pad + q
									if iw < 0 || iw >= in.W {
										continue
									}
									dxv[((n*in.C+c)*in.H+ih)*in.W+iw] += share
								}
							}
							continue
						}

						// max pooling routes the gradient to the argmax tap
						best, bi := math.Inf(-1), -1
						for r := 0; r < pool.Window; r++ {
							ih := oh*pool.Stride - pool.Pad + r
							if ih < 0 || ih >= in.H {
								continue
							}
							for q := 0; q < pool.Window; q++ {
								iw := ow*pool.Stride - pool.Pad + q
								if iw < 0 || iw >= in.W {
									continue
								}
								i := ((n*in.C+c)*in.H+ih)*in.W + iw
								if xv[i] > best {
									best, bi = xv[i], i
								}
							}
						}
						if bi >= 0 {
							dxv[bi] += g
						}
					}
				}
			}
		}

		return l.store(x, dx, dxv)
	})
}

func (l *Library) ActivationForward(s ml.Stream, act dnn.ActivationDesc, x dnn.TensorDesc, xp, yp ml.Ptr) {
	s.Enqueue("act fwd "+act.Mode.String(), func() error {
		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}
		applyActivation(act.Mode, xv)
		return l.store(x, yp, xv)
	})
}

func (l *Library) ActivationBackward(s ml.Stream, act dnn.ActivationDesc, x dnn.TensorDesc, yp, dy, dx ml.Ptr) {
	s.Enqueue("act bwd "+act.Mode.String(), func() error {
		yv, err := l.load(x, yp)
		if err != nil {
			return err
		}
		dyv, err := l.load(x, dy)
		if err != nil {
			return err
		}
		dxv := make([]float64, len(dyv))
		activationGrad(act.Mode, yv, dyv, dxv)
		return l.store(x, dx, dxv)
	})
}

// dropoutMask fills mask with the keep decisions for one step. The counter
// perturbs the seed so every step draws a different mask while a replay with
// the same seed and counter reproduces it exactly.
func dropoutMask(drop dnn.DropoutDesc, counter uint64, mask []byte) {
	rng := rand.New(rand.NewSource(int64(drop.Seed ^ counter*0x9e3779b97f4a7c15)))
	for i := range mask {
		if rng.Float64() < drop.Ratio {
			mask[i] = 0
		} else {
			mask[i] = 1
		}
	}
}

func (l *Library) DropoutForward(s ml.Stream, drop dnn.DropoutDesc, x dnn.TensorDesc, counter uint64, xp, yp, reserve ml.Ptr) {
	s.Enqueue("dropout fwd", func() error {
		n := x.Shape.Elements()
		mask, err := l.dev.Bytes(reserve, uint64(n))
		if err != nil {
			return err
		}
		dropoutMask(drop, counter, mask)

		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}
		keep := 1 - drop.Ratio
		for i := range xv {
			if mask[i] == 0 {
				xv[i] = 0
			} else {
				xv[i] /= keep
			}
		}
		return l.store(x, yp, xv)
	})
}

func (l *Library) DropoutBackward(s ml.Stream, drop dnn.DropoutDesc, x dnn.TensorDesc, dy, dx, reserve ml.Ptr) {
	s.Enqueue("dropout bwd", func() error {
		n := x.Shape.Elements()
		mask, err := l.dev.Bytes(reserve, uint64(n))
		if err != nil {
			return err
		}

		dyv, err := l.load(x, dy)
		if err != nil {
			return err
		}
		keep := 1 - drop.Ratio
		for i := range dyv {
			if mask[i] == 0 {
				dyv[i] = 0
			} else {
				dyv[i] /= keep
			}
		}
		return l.store(x, dx, dyv)
	})
}

func (l *Library) BatchNormForward(s ml.Stream, bn dnn.BatchNormDesc, x dnn.TensorDesc, training bool, xp, yp, scale, bias, runningMean, runningVar, save ml.Ptr) {
	s.Enqueue("batchnorm fwd", func() error {
		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}
		sc, err := l.vec(scale, x.Shape.C, x.DType)
		if err != nil {
			return err
		}
		bs, err := l.vec(bias, x.Shape.C, x.DType)
		if err != nil {
			return err
		}

		sh := x.Shape
		m := float64(sh.N * sh.H * sh.W)
		mean := make([]float64, sh.C)
		invvar := make([]float64, sh.C)

		if training {
			variance := make([]float64, sh.C)
			for c := 0; c < sh.C; c++ {
				var sum float64
				for n := 0; n < sh.N; n++ {
					base := (n*sh.C + c) * sh.H * sh.W
					for i := 0; i < sh.H * sh.W; i++ {
						sum += xv[base+i]
					}
				}
				mean[c] = sum / m

				var sq float64
				for n := 0; n < sh.N; n++ {
					base := (n*sh.C + c) * sh.H * sh.W
					for i := 0; i < sh.H * sh.W; i++ {
						d := xv[base+i] - mean[c]
						sq += d * d
					}
				}
				variance[c] = sq / m
				invvar[c] = 1 / math.Sqrt(variance[c]+bn.Epsilon)
			}

			// stash batch statistics for backward
			if save.Valid() {
				if err := l.storeVec(save, append(append([]float64{}, mean...), invvar...), x.DType); err != nil {
					return err
				}
			}

			if runningMean.Valid() && runningVar.Valid() {
				rm, err := l.vec(runningMean, sh.C, x.DType)
				if err != nil {
					return err
				}
				rv, err := l.vec(runningVar, sh.C, x.DType)
				if err != nil {
					return err
				}
				for c := 0; c < sh.C; c++ {
					rm[c] = bn.Momentum*rm[c] + (1-bn.Momentum)*mean[c]
					rv[c] = bn.Momentum*rv[c] + (1-bn.Momentum)*variance[c]
				}
				if err := l.storeVec(runningMean, rm, x.DType); err != nil {
					return err
				}
				if err := l.storeVec(runningVar, rv, x.DType); err != nil {
					return err
				}
			}
		} else {
			rm, err := l.vec(runningMean, sh.C, x.DType)
			if err != nil {
				return err
			}
			rv, err := l.vec(runningVar, sh.C, x.DType)
			if err != nil {
				return err
			}
			for c := 0; c < sh.C; c++ {
				mean[c] = rm[c]
				invvar[c] = 1 / math.Sqrt(rv[c]+bn.Epsilon)
			}
		}

		for n := 0; n < sh.N; n++ {
			for c := 0; c < sh.C; c++ {
				base := (n*sh.C + c) * sh.H * sh.W
				for i := 0; i < sh.H * sh.W; i++ {
					xv[base+i] = sc[c]*(xv[base+i]-mean[c])*invvar[c] + bs[c]
				}
			}
		}
		return l.store(x, yp, xv)
	})
}

func (l *Library) BatchNormBackward(s ml.Stream, bn dnn.BatchNormDesc, x dnn.TensorDesc, xp, dy, dx, scale, dScale, dBias, save ml.Ptr) {
	s.Enqueue("batchnorm bwd", func() error {
		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}
		dyv, err := l.load(x, dy)
		if err != nil {
			return err
		}
		sc, err := l.vec(scale, x.Shape.C, x.DType)
		if err != nil {
			return err
		}
		saved, err := l.vec(save, 2*x.Shape.C, x.DType)
		if err != nil {
			return err
		}
		mean, invvar := saved[:x.Shape.C], saved[x.Shape.C:]

		sh := x.Shape
		m := float64(sh.N * sh.H * sh.W)
		ds := make([]float64, sh.C)
		db := make([]float64, sh.C)

		for c := 0; c < sh.C; c++ {
			for n := 0; n < sh.N; n++ {
				base := (n*sh.C + c) * sh.H * sh.W
				for i := 0; i < sh.H * sh.W; i++ {
					xhat := (xv[base+i] - mean[c]) * invvar[c]
					ds[c] += dyv[base+i] * xhat
					db[c] += dyv[base+i]
				}
			}
		}

		dxv := make([]float64, len(xv))
		for c := 0; c < sh.C; c++ {
			k := sc[c] * invvar[c] / m
			for n := 0; n < sh.N; n++ {
				base := (n*sh.C + c) * sh.H * sh.W
				for i := 0; i < sh.H * sh.W; i++ {
					xhat := (xv[base+i] - mean[c]) * invvar[c]
					dxv[base+i] = k * (m*dyv[base+i] - db[c] - xhat*ds[c])
				}
			}
		}

		if err := l.storeVec(dScale, ds, x.DType); err != nil {
			return err
		}
		if err := l.storeVec(dBias, db, x.DType); err != nil {
			return err
		}
		return l.store(x, dx, dxv)
	})
}

func (l *Library) SoftmaxForward(s ml.Stream, sm dnn.SoftmaxDesc, x dnn.TensorDesc, xp, yp ml.Ptr) {
	s.Enqueue("softmax fwd", func() error {
		xv, err := l.load(x, xp)
		if err != nil {
			return err
		}

		sh := x.Shape
		spatial := sh.H * sh.W
		for n := 0; n < sh.N; n++ {
			for i := 0; i < spatial; i++ {
				max := math.Inf(-1)
				for c := 0; c < sh.C; c++ {
					if v := xv[(n*sh.C+c)*spatial+i]; v > max {
						max = v
					}
				}
				var sum float64
				for c := 0; c < sh.C; c++ {
					e := math.Exp(xv[(n*sh.C+c)*spatial+i] - max)
					xv[(n*sh.C+c)*spatial+i] = e
					sum += e
				}
				for c := 0; c < sh.C; c++ {
					p := xv[(n*sh.C+c)*spatial+i] / sum
					if p < sm.Epsilon {
						p = sm.Epsilon
					}
					xv[(n*sh.C+c)*spatial+i] = p
				}
			}
		}
		return l.store(x, yp, xv)
	})
}

func (l *Library) SGDStep(s ml.Stream, dtype ml.DType, w, dw ml.Ptr, n int, lr float64) {
	s.Enqueue("sgd step", func() error {
		switch dtype {
		case ml.DTypeF64:
			wv, err := l.dev.Float64s(w, n)
			if err != nil {
				return err
			}
			gv, err := l.dev.Float64s(dw, n)
			if err != nil {
				return err
			}
			for i := range wv {
				wv[i] -= lr * gv[i]
			}
		default:
			wv, err := l.dev.Float32s(w, n)
			if err != nil {
				return err
			}
			gv, err := l.dev.Float32s(dw, n)
			if err != nil {
				return err
			}
			for i := range wv {
				wv[i] -= float32(lr) * gv[i]
			}
		}
		return nil
	})
}
