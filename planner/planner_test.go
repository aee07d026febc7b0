package planner_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/dnn/gonumref"
	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/ml/backend/sim"
	"github.com/vdnn/vdnn/nn"
	"github.com/vdnn/vdnn/planner"
)

func buildNet(t *testing.T, batch, c, h, w int, specs []nn.LayerSpec) (*nn.Network, *sim.Device) {
	t.Helper()

	dev := sim.New(2 * 1024 * 1024 * 1024)
	t.Cleanup(func() { dev.Close() })

	cfg := nn.Config{
		DType: ml.DTypeF32, Layout: ml.LayoutNCHW,
		BatchSize: batch, InputC: c, InputH: h, InputW: w,
		DropoutSeed: 11, SoftmaxEpsilon: 1e-8, WeightStd: 0.05,
	}
	net, err := nn.Build(dev, gonumref.New(dev), cfg, specs)
	require.NoError(t, err)
	t.Cleanup(func() { net.Close() })
	return net, dev
}

// smallest-workspace algorithm triple for every convolution
func implicitChoices(t *testing.T, net *nn.Network) []nn.ConvChoice {
	t.Helper()

	choices := make([]nn.ConvChoice, len(net.Layers))
	for i, l := range net.Layers {
		if l.Kind != nn.KindConv {
			continue
		}
		c, ok := l.SelectAlgos(dnn.PrefMemory, true, 1<<40, 0)
		require.True(t, ok)
		choices[i] = c
	}
	return choices
}

func convStack(t *testing.T) (*nn.Network, *sim.Device) {
	return buildNet(t, 32, 4, 16, 16, []nn.LayerSpec{
		{Kind: "conv", OutChannels: 8, Kernel: 3, Pad: 1},
		{Kind: "activation", Activation: "relu"},
		{Kind: "conv", OutChannels: 8, Kernel: 3, Pad: 1},
		{Kind: "activation", Activation: "relu"},
		{Kind: "fc", OutFeatures: 10},
		{Kind: "softmax"},
	})
}

func TestOffloadSetPolicies(t *testing.T) {
	net, _ := buildNet(t, 8, 3, 8, 8, []nn.LayerSpec{
		{Kind: "conv", OutChannels: 4, Kernel: 3, Pad: 1}, // 0
		{Kind: "batchnorm"},                               // 1
		{Kind: "activation", Activation: "relu"},          // 2
		{Kind: "pool", Window: 2},                         // 3
		{Kind: "conv", OutChannels: 4, Kernel: 3, Pad: 1}, // 4
		{Kind: "fc", OutFeatures: 10},                     // 5 last heavy
		{Kind: "softmax"},                                 // 6
	})

	require.Equal(t, []bool{false, false, false, false, false, false, false},
		planner.OffloadSet(net, planner.PolicyNone))
	require.Equal(t, []bool{true, false, false, false, true, false, false},
		planner.OffloadSet(net, planner.PolicyConvOnly))
	require.Equal(t, []bool{true, true, false, true, true, false, false},
		planner.OffloadSet(net, planner.PolicyAll))
}

func TestOffloadSetLastConvExempt(t *testing.T) {
	// the terminal heavy layer is a conv here, so conv-only spares it
	net, _ := buildNet(t, 8, 3, 8, 8, []nn.LayerSpec{
		{Kind: "conv", OutChannels: 4, Kernel: 3, Pad: 1},
		{Kind: "activation", Activation: "relu"},
		{Kind: "conv", OutChannels: 4, Kernel: 3, Pad: 1},
		{Kind: "softmax"},
	})
	require.Equal(t, []bool{true, false, false, false},
		planner.OffloadSet(net, planner.PolicyConvOnly))
}

func TestOffloadSetDegenerate(t *testing.T) {
	net, _ := buildNet(t, 8, 3, 8, 8, []nn.LayerSpec{
		{Kind: "activation", Activation: "relu"},
		{Kind: "softmax"},
	})
	require.Equal(t, []bool{false, false}, planner.OffloadSet(net, planner.PolicyAll))
}

func TestFindPrefetchLayer(t *testing.T) {
	net, _ := convStack(t)
	offload := planner.OffloadSet(net, planner.PolicyConvOnly) // layers 0 and 2
	prefetched := make([]bool, len(net.Layers))

	// from the fc layer the scan crosses the activation and stops at the
	// offloaded conv
	require.Equal(t, 2, planner.FindPrefetchLayer(net, offload, prefetched, 4))

	prefetched[2] = true
	// conv 2 is prefetched already, so it is no longer a pending candidate;
	// a conv that is not a pending candidate ends the scan
	require.Equal(t, -1, planner.FindPrefetchLayer(net, offload, prefetched, 4))

	// from conv 2 the scan reaches conv 0 across the activation
	require.Equal(t, 0, planner.FindPrefetchLayer(net, offload, prefetched, 2))

	prefetched[0] = true
	require.Equal(t, -1, planner.FindPrefetchLayer(net, offload, prefetched, 2))
}

func TestSchedulePairing(t *testing.T) {
	net, _ := convStack(t)
	offload := planner.OffloadSet(net, planner.PolicyConvOnly)
	sched := planner.BuildSchedule(net, offload, implicitChoices(t, net), true)

	retires := map[int]int{}
	prefetches := map[int]int{}
	waits := map[int]int{}
	for _, op := range sched.Ops {
		switch op.Kind {
		case planner.OpOffloadRetire:
			retires[op.Layer]++
		case planner.OpPrefetch:
			prefetches[op.Layer]++
		case planner.OpPrefetchWait:
			waits[op.Layer]++
		}
	}

	for i, off := range offload {
		want := 0
		if off {
			want = 1
		}
		require.Equal(t, want, retires[i], "retires of layer %d", i)
		require.Equal(t, want, prefetches[i], "prefetches of layer %d", i)
		require.Equal(t, want, waits[i], "prefetch waits of layer %d", i)
	}

	// every prefetch precedes its wait
	for i, off := range offload {
		if !off {
			continue
		}
		pf, wait := -1, -1
		for k, op := range sched.Ops {
			if op.Layer != i {
				continue
			}
			switch op.Kind {
			case planner.OpPrefetch:
				pf = k
			case planner.OpPrefetchWait:
				wait = k
			}
		}
		require.Less(t, pf, wait, "layer %d prefetch ordering", i)
	}
}

func TestScheduleFusedSoftmax(t *testing.T) {
	net, _ := convStack(t)
	offload := planner.OffloadSet(net, planner.PolicyNone)
	sched := planner.BuildSchedule(net, offload, implicitChoices(t, net), true)

	var sawAlias bool
	var softmaxForwards int
	for _, op := range sched.Ops {
		if op.Kind == planner.OpAliasActivation {
			sawAlias = true
			require.Equal(t, op.From+1, op.Index)
		}
		if op.Kind == planner.OpForward && op.Layer == len(net.Layers)-1 {
			softmaxForwards++
		}
	}
	require.True(t, sawAlias, "fused softmax alias missing")
	require.Equal(t, 1, softmaxForwards)

	// gradient aliasing for activation and softmax layers
	aliased := map[int]bool{}
	for _, op := range sched.Ops {
		if op.Kind == planner.OpAliasGrad {
			aliased[op.Index] = true
		}
	}
	for i, l := range net.Layers {
		if i == 0 {
			continue
		}
		switch l.Kind {
		case nn.KindActivation, nn.KindSoftmax:
			require.True(t, aliased[i], "grad of layer %d should alias", i)
		default:
			require.False(t, aliased[i], "grad of layer %d should allocate", i)
		}
	}
}

func TestSimulateLeakFreeAndMonotone(t *testing.T) {
	net, _ := convStack(t)
	choices := implicitChoices(t, net)

	peak := map[planner.Policy]uint64{}
	for _, pol := range []planner.Policy{planner.PolicyNone, planner.PolicyConvOnly, planner.PolicyAll} {
		sched := planner.BuildSchedule(net, planner.OffloadSet(net, pol), choices, true)
		p, err := planner.Simulate(sched)
		require.NoError(t, err)
		require.Positive(t, p)
		peak[pol] = p
	}

	require.LessOrEqual(t, peak[planner.PolicyAll], peak[planner.PolicyConvOnly])
	require.LessOrEqual(t, peak[planner.PolicyConvOnly], peak[planner.PolicyNone])
}

func TestConfirmAtPeakAndBelow(t *testing.T) {
	net, dev := convStack(t)
	sched := planner.BuildSchedule(net, planner.OffloadSet(net, planner.PolicyConvOnly), implicitChoices(t, net), true)

	peak, err := planner.Simulate(sched)
	require.NoError(t, err)

	require.NoError(t, planner.Confirm(dev, sched, peak))
	require.Error(t, planner.Confirm(dev, sched, peak-ml.PoolAlign))
}

func TestChoosePlanSmallNetwork(t *testing.T) {
	net, dev := buildNet(t, 32, 3, 16, 16, []nn.LayerSpec{
		{Kind: "conv", OutChannels: 8, Kernel: 3, Pad: 1},
		{Kind: "activation", Activation: "relu"},
		{Kind: "softmax"},
	})

	plan, err := planner.ChoosePlan(net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance,
		PoolBudget: 1 << 30,
	})
	require.NoError(t, err)
	require.Equal(t, planner.PolicyNone, plan.Policy)
	require.Equal(t, dnn.PrefPerformance, plan.Pref)
	require.True(t, plan.Hard)
	require.Equal(t, 2, plan.Tier)
	require.Zero(t, plan.PinnedBytes)
	require.Positive(t, plan.PeakBytes)
}

func TestChoosePlanPrefersOffloadUnderPressure(t *testing.T) {
	net, dev := convStack(t)

	sched := planner.BuildSchedule(net, planner.OffloadSet(net, planner.PolicyConvOnly), implicitChoices(t, net), true)
	budget, err := planner.Simulate(sched)
	require.NoError(t, err)

	plan, err := planner.ChoosePlan(net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance,
		PoolBudget: budget,
	})
	require.NoError(t, err)
	require.Equal(t, planner.PolicyConvOnly, plan.Policy)
	require.Greater(t, plan.Tier, 2, "the no-offload tier must be rejected first")
	require.Equal(t, planner.OffloadSet(net, planner.PolicyConvOnly), plan.Offload)
	require.Positive(t, plan.PinnedBytes)
}

func TestChoosePlanDynamicFallsBackToMemoryOptimal(t *testing.T) {
	// all-conv stack: every step carries a workspace, so any candidate
	// that admits a workspace-hungry algorithm overshoots a budget sized
	// for the zero-workspace plan
	net, dev := buildNet(t, 16, 4, 16, 16, []nn.LayerSpec{
		{Kind: "conv", OutChannels: 8, Kernel: 3, Pad: 1},
		{Kind: "activation", Activation: "relu"},
		{Kind: "conv", OutChannels: 8, Kernel: 3, Pad: 1},
		{Kind: "activation", Activation: "relu"},
		{Kind: "conv", OutChannels: 8, Kernel: 3, Pad: 1},
		{Kind: "softmax"},
	})

	sched := planner.BuildSchedule(net, planner.OffloadSet(net, planner.PolicyAll), implicitChoices(t, net), true)
	budget, err := planner.Simulate(sched)
	require.NoError(t, err)

	plan, err := planner.ChoosePlan(net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance,
		PoolBudget: budget,
	})
	require.NoError(t, err)
	require.Equal(t, dnn.PrefMemory, plan.Pref)
	require.True(t, plan.Hard)
	require.GreaterOrEqual(t, plan.Tier, 7)
}

func TestChoosePlanInfeasible(t *testing.T) {
	net, dev := convStack(t)

	_, err := planner.ChoosePlan(net, dev, planner.Request{
		Policy: planner.PolicyDynamic, Pref: dnn.PrefPerformance,
		PoolBudget: 512,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, planner.ErrInfeasible))
	require.True(t, strings.Contains(err.Error(), "tier"), "diagnostic should name rejected tiers")
}

func TestChoosePlanStaticPolicy(t *testing.T) {
	net, dev := convStack(t)

	plan, err := planner.ChoosePlan(net, dev, planner.Request{
		Policy: planner.PolicyConvOnly, Pref: dnn.PrefMemory,
		PoolBudget: 1 << 30,
	})
	require.NoError(t, err)
	require.Equal(t, planner.PolicyConvOnly, plan.Policy)
	require.Equal(t, dnn.PrefMemory, plan.Pref)
	require.Equal(t, 1, plan.Tier)
}
