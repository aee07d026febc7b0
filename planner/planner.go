package planner

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/vdnn/vdnn/dnn"
	"github.com/vdnn/vdnn/format"
	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/nn"
)

// ErrInfeasible reports that no candidate plan confirmed against the pool.
// The caller should reduce the batch size or the network.
var ErrInfeasible = errors.New("no feasible memory plan")

// Policy names the offload set the planner starts from. Dynamic descends
// the full candidate ladder instead of committing to one set.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyConvOnly
	PolicyAll
	PolicyDynamic
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyConvOnly:
		return "conv-only"
	case PolicyAll:
		return "all"
	case PolicyDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "none":
		return PolicyNone, nil
	case "conv-only":
		return PolicyConvOnly, nil
	case "", "all":
		return PolicyAll, nil
	case "dynamic":
		return PolicyDynamic, nil
	default:
		return 0, fmt.Errorf("unknown offload policy %q", s)
	}
}

// Plan is the confirmed output of planning. The algorithm choices are locked
// here so the executor can never disagree with what was simulated.
type Plan struct {
	Policy  Policy
	Offload []bool
	Pref    dnn.AlgoPref
	Hard    bool

	PeakBytes   uint64
	PinnedBytes uint64

	// Choices is layer-indexed; entries for non-convolution layers are zero.
	Choices []nn.ConvChoice

	// Tier is the 1-based ladder row that confirmed.
	Tier int
}

// Request carries the planning inputs.
type Request struct {
	Policy Policy
	Pref   dnn.AlgoPref

	// PoolBudget is the most device memory the pool may claim.
	PoolBudget uint64
}

type candidate struct {
	tier   int
	policy Policy
	pref   dnn.AlgoPref
	hard   bool
}

func (c candidate) String() string {
	discipline := "soft"
	if c.hard {
		discipline = "hard"
	}
	return fmt.Sprintf("%s/%s/%s", c.policy, c.pref, discipline)
}

// ladder is the fixed priority order of fallback candidates. The canonical
// first tier, all-offload with the requested preference under hard
// discipline, always coincides with tier 4 or tier 8 and would shadow the
// cheaper offload sets, so the dynamic descent starts at tier 2.
func ladder(req Request) []candidate {
	if req.Policy != PolicyDynamic {
		return []candidate{{1, req.Policy, req.Pref, true}}
	}
	return []candidate{
		{2, PolicyNone, dnn.PrefPerformance, true},
		{3, PolicyConvOnly, dnn.PrefPerformance, true},
		{4, PolicyAll, dnn.PrefPerformance, true},
		{5, PolicyConvOnly, dnn.PrefPerformance, false},
		{6, PolicyAll, dnn.PrefPerformance, false},
		{7, PolicyConvOnly, dnn.PrefMemory, true},
		{8, PolicyAll, dnn.PrefMemory, true},
	}
}

// softBudget is the greedy per-call workspace allowance under soft
// discipline.
func softBudget(poolBudget uint64) uint64 {
	return poolBudget / 4
}

// selectChoices locks the algorithm triple for every convolution layer.
func selectChoices(net *nn.Network, pref dnn.AlgoPref, hard bool, poolBudget uint64) ([]nn.ConvChoice, error) {
	choices := make([]nn.ConvChoice, len(net.Layers))
	for i, l := range net.Layers {
		if l.Kind != nn.KindConv {
			continue
		}
		c, ok := l.SelectAlgos(pref, hard, poolBudget, softBudget(poolBudget))
		if !ok {
			return nil, fmt.Errorf("layer %d (%s): no algorithm fits %s", i, l, format.HumanBytes2(poolBudget))
		}
		choices[i] = c
	}
	return choices, nil
}

// Simulate walks the schedule with a counting allocator and returns the
// analytic peak residency.
func Simulate(s *Schedule) (uint64, error) {
	var consumed, peak uint64
	next := ml.Ptr(1)
	sizes := make(map[ml.Ptr]uint64)

	err := s.Replay(
		func(bytes uint64) (ml.Ptr, error) {
			sz := ml.AlignUp(bytes)
			consumed += sz
			if consumed > peak {
				peak = consumed
			}
			p := next
			next++
			sizes[p] = sz
			return p, nil
		},
		func(p ml.Ptr) {
			consumed -= sizes[p]
			delete(sizes, p)
		},
	)
	if err != nil {
		return 0, err
	}
	if consumed != 0 {
		return 0, fmt.Errorf("schedule leaks %s", format.HumanBytes2(consumed))
	}
	return peak, nil
}

// Confirm replays the schedule against a real pool sized at peak. TryAlloc
// keeps the replay single-threaded: there is no worker to free blocks, so a
// blocking alloc could never be satisfied.
func Confirm(dev ml.Device, s *Schedule, peak uint64) error {
	pool, err := ml.NewPool(dev, peak)
	if err != nil {
		return fmt.Errorf("pool of %s: %w", format.HumanBytes2(peak), err)
	}
	defer pool.Shutdown()

	if err := s.Replay(pool.TryAlloc, pool.Free); err != nil {
		return err
	}
	if n := pool.Outstanding(); n != 0 {
		return fmt.Errorf("confirmation left %d blocks outstanding", n)
	}
	return nil
}

// ChoosePlan tries candidates in ladder order and returns the first that
// both simulates under the budget and confirms against a real pool.
func ChoosePlan(net *nn.Network, dev ml.Device, req Request) (*Plan, error) {
	var errs *multierror.Error

	for _, c := range ladder(req) {
		plan, err := evaluate(net, dev, c, req.PoolBudget)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tier %d (%s): %w", c.tier, c, err))
			slog.Debug("plan candidate rejected", "tier", c.tier, "candidate", c.String(), "error", err)
			continue
		}

		plan.Tier = c.tier
		slog.Info("plan chosen", "tier", plan.Tier, "policy", plan.Policy.String(),
			"pref", plan.Pref.String(), "hard", plan.Hard,
			"peak", format.HumanBytes2(plan.PeakBytes),
			"pinned", format.HumanBytes2(plan.PinnedBytes))
		return plan, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInfeasible, errs.Error())
}

func evaluate(net *nn.Network, dev ml.Device, c candidate, poolBudget uint64) (*Plan, error) {
	choices, err := selectChoices(net, c.pref, c.hard, poolBudget)
	if err != nil {
		return nil, err
	}

	offload := OffloadSet(net, c.policy)
	sched := BuildSchedule(net, offload, choices, true)

	peak, err := Simulate(sched)
	if err != nil {
		return nil, err
	}
	if peak > poolBudget {
		return nil, fmt.Errorf("peak %s exceeds budget %s",
			format.HumanBytes2(peak), format.HumanBytes2(poolBudget))
	}

	if err := Confirm(dev, sched, peak); err != nil {
		return nil, fmt.Errorf("confirmation: %w", err)
	}

	return &Plan{
		Policy:      c.policy,
		Offload:     offload,
		Pref:        c.pref,
		Hard:        c.hard,
		PeakBytes:   peak,
		PinnedBytes: sched.PinnedBytes,
		Choices:     choices,
	}, nil
}
