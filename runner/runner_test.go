package runner_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/dnn/gonumref"
	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/ml/backend/sim"
	"github.com/vdnn/vdnn/nn"
	"github.com/vdnn/vdnn/planner"
	"github.com/vdnn/vdnn/runner"
)

func buildNet(t *testing.T, cfg nn.Config, specs []nn.LayerSpec) (*nn.Network, ml.Device) {
	t.Helper()

	dev := sim.New(2 * 1024 * 1024 * 1024)
	t.Cleanup(func() { dev.Close() })

	net, err := nn.Build(dev, gonumref.New(dev), cfg, specs)
	require.NoError(t, err)
	t.Cleanup(func() { net.Close() })
	return net, dev
}

func newRunner(t *testing.T, net *nn.Network, dev ml.Device, req planner.Request) (*runner.Runner, *planner.Plan) {
	t.Helper()

	plan, err := planner.ChoosePlan(net, dev, req)
	require.NoError(t, err)

	r, err := runner.New(net, plan)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, plan
}

func convConfig(batch int) nn.Config {
	return nn.Config{
		DType:          ml.DTypeF32,
		Layout:         ml.LayoutNCHW,
		BatchSize:      batch,
		InputC:         3,
		InputH:         8,
		InputW:         8,
		DropoutSeed:    11,
		SoftmaxEpsilon: 1e-8,
		WeightStd:      0.05,
	}
}

func convSpecs() []nn.LayerSpec {
	return []nn.LayerSpec{
		{Kind: "conv", OutChannels: 8, Kernel: 3, Pad: 1},
		{Kind: "activation", Activation: "relu"},
		{Kind: "pool", Window: 2},
		{Kind: "fc", OutFeatures: 4},
		{Kind: "softmax"},
	}
}

func randomBatch(net *nn.Network, seed uint64) runner.StepInput {
	shape := net.InputDesc().Shape
	rng := rand.New(rand.NewSource(seed))

	x := make([]float64, shape.Elements())
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	labels := make([]int, shape.N)
	for i := range labels {
		labels[i] = rng.Intn(net.Classes())
	}
	return runner.StepInput{X: x, Labels: labels, LR: 0.01, Training: true}
}

func TestStepTrainingConservation(t *testing.T) {
	net, dev := buildNet(t, convConfig(8), convSpecs())
	r, plan := newRunner(t, net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance, PoolBudget: 1 << 30,
	})

	res, err := r.Step(randomBatch(net, 1))
	require.NoError(t, err)

	if res.Loss <= 0 || math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		t.Fatalf("loss = %v", res.Loss)
	}
	if n := r.Pool().Outstanding(); n != 0 {
		t.Errorf("%d pool blocks outstanding after step", n)
	}
	if peak := r.Pool().Peak(); peak == 0 || peak > plan.PeakBytes {
		t.Errorf("observed peak %d outside (0, %d]", peak, plan.PeakBytes)
	}
}

func TestStepAllOffload(t *testing.T) {
	net, dev := buildNet(t, convConfig(8), convSpecs())
	r, plan := newRunner(t, net, dev, planner.Request{
		Policy: planner.PolicyAll, Pref: dnn.PrefMemory, PoolBudget: 1 << 30,
	})
	require.NotZero(t, plan.PinnedBytes, "all-offload plan has no pinned shadows")

	for step := 0; step < 3; step++ {
		res, err := r.Step(randomBatch(net, uint64(step)))
		require.NoError(t, err)
		require.False(t, math.IsNaN(res.Loss))
		require.Zero(t, r.Pool().Outstanding())
	}
	if peak := r.Pool().Peak(); peak > plan.PeakBytes {
		t.Errorf("observed peak %d exceeds confirmed %d", peak, plan.PeakBytes)
	}
}

func TestOffloadedPlanUnderPressure(t *testing.T) {
	// size the budget at the conv-only footprint so the planner is forced
	// off the keep-everything tier and the step really exercises the
	// offload and prefetch paths
	net, dev := buildNet(t, convConfig(16), convSpecs())

	probe, err := planner.ChoosePlan(net, dev, planner.Request{
		Policy: planner.PolicyConvOnly, Pref: dnn.PrefMemory, PoolBudget: 1 << 30,
	})
	require.NoError(t, err)

	r, plan := newRunner(t, net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance, PoolBudget: probe.PeakBytes,
	})
	require.Greater(t, plan.Tier, 2, "pressure did not push the plan off the first tier")

	res, err := r.Step(randomBatch(net, 3))
	require.NoError(t, err)
	require.False(t, math.IsNaN(res.Loss))
	require.Zero(t, r.Pool().Outstanding())
}

func TestTrainingDeterministic(t *testing.T) {
	specs := []nn.LayerSpec{
		{Kind: "conv", OutChannels: 4, Kernel: 3, Pad: 1, Activation: "relu"},
		{Kind: "dropout", Ratio: 0.5},
		{Kind: "fc", OutFeatures: 4},
		{Kind: "softmax"},
	}

	run := func() []float64 {
		net, dev := buildNet(t, convConfig(4), specs)
		r, _ := newRunner(t, net, dev, planner.Request{
			Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance, PoolBudget: 1 << 30,
		})

		var losses []float64
		for step := 0; step < 3; step++ {
			res, err := r.Step(randomBatch(net, uint64(step)))
			require.NoError(t, err)
			losses = append(losses, res.Loss)
		}
		return losses
	}

	a, b := run(), run()
	require.Equal(t, a, b, "identical seeds and inputs diverged")
	require.NotEqual(t, a[0], a[1], "dropout mask did not advance between steps")
}

func TestTrainingConvergesAndScores(t *testing.T) {
	cfg := nn.Config{
		DType:          ml.DTypeF32,
		Layout:         ml.LayoutNCHW,
		BatchSize:      4,
		InputC:         2,
		InputH:         1,
		InputW:         1,
		DropoutSeed:    5,
		SoftmaxEpsilon: 1e-8,
		WeightStd:      0.05,
	}
	net, dev := buildNet(t, cfg, []nn.LayerSpec{
		{Kind: "fc", OutFeatures: 2},
		{Kind: "softmax"},
	})
	r, _ := newRunner(t, net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance, PoolBudget: 1 << 28,
	})

	// linearly separable: feature k lights up for class k
	in := runner.StepInput{
		X:        []float64{1, 0, 0, 1, 1, 0, 0, 1},
		Labels:   []int{0, 1, 0, 1},
		LR:       0.5,
		Training: true,
	}

	first, err := r.Step(in)
	require.NoError(t, err)
	var last runner.StepResult
	for step := 0; step < 100; step++ {
		last, err = r.Step(in)
		require.NoError(t, err)
	}
	require.Less(t, last.Loss, first.Loss, "loss did not decrease")
	require.Less(t, last.Loss, 0.2)

	infer := in
	infer.Training = false
	res, err := r.Step(infer)
	require.NoError(t, err)
	require.Equal(t, 4, res.Correct, "trained model misclassified the training batch")
	require.Zero(t, r.Pool().Outstanding())
}

func TestInferenceWithoutLabels(t *testing.T) {
	net, dev := buildNet(t, convConfig(4), convSpecs())
	r, _ := newRunner(t, net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance, PoolBudget: 1 << 30,
	})

	in := randomBatch(net, 9)
	in.Training = false
	in.Labels = nil

	res, err := r.Step(in)
	require.NoError(t, err)
	require.Zero(t, res.Correct)
	require.Zero(t, r.Pool().Outstanding())
}

func TestStepValidation(t *testing.T) {
	net, dev := buildNet(t, convConfig(4), convSpecs())
	r, _ := newRunner(t, net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance, PoolBudget: 1 << 30,
	})

	good := randomBatch(net, 2)

	cases := []struct {
		name   string
		mutate func(*runner.StepInput)
	}{
		{"short input", func(in *runner.StepInput) { in.X = in.X[:10] }},
		{"missing labels", func(in *runner.StepInput) { in.Labels = nil }},
		{"label count", func(in *runner.StepInput) { in.Labels = in.Labels[:2] }},
		{"label range", func(in *runner.StepInput) { in.Labels[0] = 99 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := good
			in.X = append([]float64(nil), good.X...)
			in.Labels = append([]int(nil), good.Labels...)
			tc.mutate(&in)
			if _, err := r.Step(in); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
