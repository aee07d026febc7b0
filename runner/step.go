package runner

import (
	"fmt"
	"math"
	"time"

	"github.com/vdnn/vdnn/format"
	"github.com/vdnn/vdnn/logutil"
	"github.com/vdnn/vdnn/metrics"
	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/nn"
	"github.com/vdnn/vdnn/planner"
)

// StepInput is one batch. X is the flattened input in the network layout;
// Labels are required for training and optional for inference scoring.
type StepInput struct {
	X        []float64
	Labels   []int
	LR       float64
	Training bool
}

// StepResult reports the loss of a training step or the argmax hit count of
// an inference step.
type StepResult struct {
	Loss    float64
	Correct int
}

func (r *Runner) validate(in StepInput) error {
	shape := r.net.InputDesc().Shape
	if len(in.X) != shape.Elements() {
		return fmt.Errorf("input has %d elements, batch needs %d", len(in.X), shape.Elements())
	}

	out := r.net.OutputDesc().Shape
	if out.H != 1 || out.W != 1 {
		return fmt.Errorf("output shape %s is not a class vector", out)
	}

	if in.Training {
		last := r.net.Layers[len(r.net.Layers)-1]
		if last.Kind != nn.KindSoftmax {
			return fmt.Errorf("training requires a terminal softmax, got %s", last)
		}
		if len(in.Labels) != shape.N {
			return fmt.Errorf("%d labels for a batch of %d", len(in.Labels), shape.N)
		}
	} else if len(in.Labels) != 0 && len(in.Labels) != shape.N {
		return fmt.Errorf("%d labels for a batch of %d", len(in.Labels), shape.N)
	}

	for _, y := range in.Labels {
		if y < 0 || y >= r.net.Classes() {
			return fmt.Errorf("label %d out of range [0,%d)", y, r.net.Classes())
		}
	}
	return nil
}

// Step runs one full schedule replay: upload, forward with offloads, loss
// and backward with prefetches when training, argmax scoring otherwise.
func (r *Runner) Step(in StepInput) (StepResult, error) {
	if err := r.validate(in); err != nil {
		return StepResult{}, err
	}

	sched := r.infer
	if in.Training {
		sched = r.train
	}

	start := time.Now()
	res, err := r.run(sched, in)
	if err != nil {
		return StepResult{}, err
	}
	if err := r.takeAsyncErr(); err != nil {
		return StepResult{}, err
	}
	if n := r.pool.Outstanding(); n != 0 {
		return StepResult{}, fmt.Errorf("step left %d pool blocks outstanding", n)
	}

	metrics.StepDuration.Observe(time.Since(start).Seconds())
	metrics.PoolWaits.Set(float64(r.pool.Waits()))
	metrics.PoolInUse.Set(float64(r.pool.InUse()))

	if in.Training {
		metrics.StepLoss.Set(res.Loss)
		r.step++
		logutil.Trace("step complete", "id", r.id, "step", r.step,
			"loss", res.Loss, "peak", format.HumanBytes2(r.pool.Peak()))
	}
	return res, nil
}

func (r *Runner) run(sched *planner.Schedule, in StepInput) (StepResult, error) {
	var res StepResult

	net := r.net
	L := len(net.Layers)
	act := make([]ml.Ptr, L+1)
	grad := make([]ml.Ptr, L+1)
	ws := make(map[int]ml.Ptr)
	var pendingSync []int
	lastLayer := -1

	ml.EncodeFloats(r.input.Bytes(), in.X, net.Config.DType)

	release := func(table []ml.Ptr, idx int) {
		p := table[idx]
		if !p.Valid() {
			return
		}
		r.pool.Free(p)
		for k := range table {
			if table[k] == p {
				table[k] = 0
			}
		}
	}

	for _, op := range sched.Ops {
		switch op.Kind {
		case planner.OpAllocActivation:
			p, err := r.pool.Alloc(op.Bytes)
			if err != nil {
				return res, &FatalError{Op: "alloc activation", Layer: op.Index, Err: err}
			}
			act[op.Index] = p
			if op.Index == 0 {
				r.dev.CopyHtoD(r.memory, p, r.input, op.Bytes)
				if err := r.memory.Synchronize(); err != nil {
					return res, &FatalError{Op: "input upload", Layer: 0, Err: err}
				}
			}

		case planner.OpAliasActivation:
			act[op.Index] = act[op.From]

		case planner.OpFreeActivation:
			release(act, op.Index)

		case planner.OpAllocGrad:
			p, err := r.pool.Alloc(op.Bytes)
			if err != nil {
				return res, &FatalError{Op: "alloc gradient", Layer: op.Index, Err: err}
			}
			grad[op.Index] = p

		case planner.OpAliasGrad:
			grad[op.Index] = grad[op.Index+1]

		case planner.OpFreeGrad:
			release(grad, op.Index)

		case planner.OpAllocWorkspace:
			if op.Bytes == 0 {
				continue
			}
			p, err := r.pool.Alloc(op.Bytes)
			if err != nil {
				return res, &FatalError{Op: "alloc workspace", Layer: op.Layer, Err: err}
			}
			ws[op.Layer] = p

		case planner.OpFreeWorkspace:
			if p, ok := ws[op.Layer]; ok {
				r.pool.Free(p)
				delete(ws, op.Layer)
			}

		case planner.OpOffload:
			bytes := net.ActivationBytes(op.Layer)
			r.dev.CopyDtoH(r.memory, r.shadows[op.Layer], act[op.Layer], bytes)
			r.offloadDone[op.Layer] = r.memory.Record()
			metrics.Offloads.Inc()
			metrics.OffloadBytes.Add(float64(bytes))

		case planner.OpOffloadRetire:
			p := act[op.Layer]
			for k := range act {
				if act[k] == p {
					act[k] = 0
				}
			}
			if err := r.retire(op.Layer, p); err != nil {
				return res, &FatalError{Op: "offload retire", Layer: op.Layer, Err: err}
			}
			if op.Layer > 0 {
				pendingSync = append(pendingSync, op.Layer)
			}

		case planner.OpOffloadBarrier:
			for _, i := range pendingSync {
				<-r.offloadSync[i]
			}
			pendingSync = pendingSync[:0]
			if err := r.takeAsyncErr(); err != nil {
				return res, err
			}

		case planner.OpForward:
			i := op.Layer
			lastLayer = i
			var wsBytes uint64
			if net.Layers[i].Kind == nn.KindConv {
				wsBytes = r.plan.Choices[i].Fwd.WorkspaceBytes
			}
			net.Forward(r.compute, i, r.plan.Choices[i].Fwd.Algo, sched.Training,
				r.step, act[i], act[i+1], ws[i], wsBytes)

		case planner.OpBackward:
			i := op.Layer
			lastLayer = i
			var wsBytes uint64
			if net.Layers[i].Kind == nn.KindConv {
				wsBytes = r.plan.Choices[i].BwdWorkspaceBytes()
			}
			net.Backward(r.compute, i, r.plan.Choices[i], act[i], act[i+1],
				grad[i+1], grad[i], ws[i], wsBytes, in.LR)

		case planner.OpSync:
			if err := r.compute.Synchronize(); err != nil {
				return res, &FatalError{Op: "compute sync", Layer: lastLayer, Err: err}
			}

		case planner.OpLoss:
			loss, err := r.loss(act[op.Index], grad[op.Index], in.Labels)
			if err != nil {
				return res, &FatalError{Op: "loss", Layer: lastLayer, Err: err}
			}
			res.Loss = loss

		case planner.OpInference:
			correct, err := r.score(act[L], in.Labels)
			if err != nil {
				return res, &FatalError{Op: "inference", Layer: lastLayer, Err: err}
			}
			res.Correct = correct

		case planner.OpPrefetch:
			p, err := r.pool.Alloc(op.Bytes)
			if err != nil {
				return res, &FatalError{Op: "alloc prefetch", Layer: op.Layer, Err: err}
			}
			act[op.Layer] = p
			if err := r.prefetch(op.Layer, p, op.Bytes); err != nil {
				return res, &FatalError{Op: "prefetch", Layer: op.Layer, Err: err}
			}
			metrics.Prefetches.Inc()
			metrics.PrefetchBytes.Add(float64(op.Bytes))

		case planner.OpPrefetchWait:
			<-r.prefetchReady[op.Layer]
			if err := r.takeAsyncErr(); err != nil {
				return res, err
			}
		}
	}

	return res, nil
}

// loss downloads the softmax output, accumulates the mean negative log
// likelihood and uploads the output gradient (probability minus one-hot,
// divided by the batch size) into the gradient table tail.
func (r *Runner) loss(probs, gradDst ml.Ptr, labels []int) (float64, error) {
	shape := r.net.OutputDesc().Shape
	n, c := shape.N, shape.C

	p, err := r.download(probs, n*c)
	if err != nil {
		return 0, err
	}

	var loss float64
	g := make([]float64, n*c)
	for s := 0; s < n; s++ {
		loss -= math.Log(p[s*c+labels[s]])
		for k := 0; k < c; k++ {
			g[s*c+k] = p[s*c+k] / float64(n)
		}
		g[s*c+labels[s]] -= 1 / float64(n)
	}
	loss /= float64(n)

	if err := r.upload(gradDst, g); err != nil {
		return 0, err
	}
	return loss, nil
}

// score downloads the network output and counts argmax hits against the
// labels. Without labels the step still runs but reports zero.
func (r *Runner) score(out ml.Ptr, labels []int) (int, error) {
	if len(labels) == 0 {
		return 0, nil
	}

	shape := r.net.OutputDesc().Shape
	n, c := shape.N, shape.C
	p, err := r.download(out, n*c)
	if err != nil {
		return 0, err
	}

	correct := 0
	for s := 0; s < n; s++ {
		best := 0
		for k := 1; k < c; k++ {
			if p[s*c+k] > p[s*c+best] {
				best = k
			}
		}
		if best == labels[s] {
			correct++
		}
	}
	return correct, nil
}
