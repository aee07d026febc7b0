// Package planner decides, per layer, whether the forward activation is
// offloaded to pinned host memory and which convolution algorithms run, so
// that one training step fits a target peak device footprint. The schedule
// of allocations, transfers and kernels is built once and consumed three
// times: by the analytic simulation, by the confirmation replay against a
// real pool, and by the executor.
package planner

import (
	"fmt"

	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/nn"
)

type OpKind int

const (
	// OpAllocActivation allocates activation[Index] from the pool.
	OpAllocActivation OpKind = iota

	// OpAliasActivation sets activation[Index] = activation[From] without
	// allocating.
	OpAliasActivation

	// OpFreeActivation returns activation[Index] to the pool, clearing
	// every table entry sharing the pointer.
	OpFreeActivation

	// OpAllocGrad and OpFreeGrad are the gradient-table counterparts.
	OpAllocGrad
	// OpAliasGrad sets grad[Index] = grad[Index+1].
	OpAliasGrad
	OpFreeGrad

	// OpAllocWorkspace and OpFreeWorkspace bracket one convolution call.
	OpAllocWorkspace
	OpFreeWorkspace

	// OpOffload enqueues the device-to-host copy of activation[Layer] on
	// the memory stream and records the layer's offload-done event.
	OpOffload

	// OpOffloadRetire hands activation[Layer] to a detached worker that
	// frees it once the offload copy lands and posts the offload-sync
	// signal. Layer 0 has no copy in flight; its buffer is freed directly.
	OpOffloadRetire

	// OpOffloadBarrier blocks until every offload-sync signal of the pass
	// has been posted.
	OpOffloadBarrier

	// OpForward and OpBackward enqueue layer kernels on the compute
	// stream; OpSync waits for the compute stream to drain.
	OpForward
	OpBackward
	OpSync

	// OpLoss downloads the softmax output, computes the loss and uploads
	// grad[Index] (the table tail).
	OpLoss

	// OpInference downloads the network output for argmax scoring.
	OpInference

	// OpPrefetch allocates activation[Layer], enqueues the host-to-device
	// copy, and arms a worker to post the layer's prefetch-ready signal.
	OpPrefetch

	// OpPrefetchWait blocks until the layer's prefetch-ready signal.
	OpPrefetchWait
)

// Op is one step of the shared schedule.
type Op struct {
	Kind  OpKind
	Layer int    // layer-scoped ops
	Index int    // activation/grad table index
	From  int    // alias source index
	Bytes uint64 // allocation size
}

// Schedule is the complete allocation and execution order of one step.
type Schedule struct {
	Ops      []Op
	Offload  []bool
	Choices  []nn.ConvChoice
	Training bool

	// PinnedBytes is the host shadow total for offloaded layers. Layer 0
	// needs no shadow: its prefetch re-reads the original input.
	PinnedBytes uint64
}

// OffloadSet computes the offload bitmap for a policy. Activation and
// Softmax layers are never offloaded, and neither is the last layer that is
// not one of those, since its output feeds the loss. A network with no such
// layer gets no offloads.
func OffloadSet(net *nn.Network, policy Policy) []bool {
	offload := make([]bool, len(net.Layers))
	last := net.LastHeavy()
	if last < 0 {
		return offload
	}

	for i, l := range net.Layers {
		if i == last {
			continue
		}
		switch l.Kind {
		case nn.KindActivation, nn.KindSoftmax:
			continue
		}
		switch policy {
		case PolicyAll:
			offload[i] = true
		case PolicyConvOnly:
			offload[i] = l.Kind == nn.KindConv
		}
	}
	return offload
}

// FindPrefetchLayer scans backward from layer i-1 for the nearest earlier
// layer that is offloaded and not yet prefetched. Hitting a convolution that
// is not itself such a candidate ends the scan: the convolution dominates
// the backward latency there and the transfer would not overlap usefully.
func FindPrefetchLayer(net *nn.Network, offload, prefetched []bool, i int) int {
	for j := i - 1; j >= 0; j-- {
		if offload[j] && !prefetched[j] {
			return j
		}
		if net.Layers[j].Kind == nn.KindConv {
			return -1
		}
	}
	return -1
}

// BuildSchedule lays out one full step for the given offload set and locked
// algorithm choices. Training covers forward, loss and backward; inference
// is forward-only with eager frees.
func BuildSchedule(net *nn.Network, offload []bool, choices []nn.ConvChoice, training bool) *Schedule {
	L := len(net.Layers)
	s := &Schedule{Offload: offload, Choices: choices, Training: training}

	for i := 1; i < L; i++ {
		if offload[i] {
			s.PinnedBytes += net.ActivationBytes(i)
		}
	}

	// aliasOf[k] = j means activation[k] shares activation[j]'s buffer
	aliasOf := make(map[int]int)

	emit := func(op Op) { s.Ops = append(s.Ops, op) }
	emit(Op{Kind: OpAllocActivation, Index: 0, Bytes: net.ActivationBytes(0)})

	for i := 0; i < L; {
		l := net.Layers[i]

		if training && i > 0 && offload[i] {
			emit(Op{Kind: OpOffload, Layer: i})
		}

		emit(Op{Kind: OpAllocActivation, Index: i + 1, Bytes: net.ActivationBytes(i + 1)})
		if l.Kind == nn.KindConv {
			emit(Op{Kind: OpAllocWorkspace, Layer: i, Bytes: choices[i].Fwd.WorkspaceBytes})
		}
		emit(Op{Kind: OpForward, Layer: i})

		fused := false
		if training && i+1 < L && net.Layers[i+1].Kind == nn.KindSoftmax {
			// trailing softmax runs in place within this step
			aliasOf[i+2] = i + 1
			emit(Op{Kind: OpAliasActivation, Index: i + 2, From: i + 1})
			emit(Op{Kind: OpForward, Layer: i + 1})
			fused = true
		}

		emit(Op{Kind: OpSync})

		if training && offload[i] {
			emit(Op{Kind: OpOffloadRetire, Layer: i})
		}
		if l.Kind == nn.KindConv {
			emit(Op{Kind: OpFreeWorkspace, Layer: i})
		}
		if !training {
			emit(Op{Kind: OpFreeActivation, Index: i})
		}

		if fused {
			i += 2
		} else {
			i++
		}
	}

	if !training {
		emit(Op{Kind: OpInference})
		emit(Op{Kind: OpFreeActivation, Index: L})
		return s
	}

	emit(Op{Kind: OpOffloadBarrier})
	emit(Op{Kind: OpAllocGrad, Index: L, Bytes: net.ActivationBytes(L)})
	emit(Op{Kind: OpLoss, Index: L})

	prefetched := make([]bool, L)
	for i := L - 1; i >= 0; i-- {
		l := net.Layers[i]

		if offload[i] {
			if !prefetched[i] {
				// no earlier step scheduled this prefetch; issue it now
				emit(Op{Kind: OpPrefetch, Layer: i, Bytes: net.ActivationBytes(i)})
				prefetched[i] = true
			}
			emit(Op{Kind: OpPrefetchWait, Layer: i})
		}

		if i > 0 {
			switch l.Kind {
			case nn.KindActivation, nn.KindSoftmax:
				emit(Op{Kind: OpAliasGrad, Index: i})
			default:
				emit(Op{Kind: OpAllocGrad, Index: i, Bytes: net.ActivationBytes(i)})
				if j := FindPrefetchLayer(net, offload, prefetched, i); j >= 0 {
					emit(Op{Kind: OpPrefetch, Layer: j, Bytes: net.ActivationBytes(j)})
					prefetched[j] = true
				}
			}
		}

		if l.Kind == nn.KindConv {
			emit(Op{Kind: OpAllocWorkspace, Layer: i, Bytes: choices[i].BwdWorkspaceBytes()})
		}
		emit(Op{Kind: OpBackward, Layer: i})
		emit(Op{Kind: OpSync})
		if l.Kind == nn.KindConv {
			emit(Op{Kind: OpFreeWorkspace, Layer: i})
		}

		// the step output is dropped unless a fused softmax shares the
		// buffer with this step's input, in which case the free happens
		// one step later under the lower index
		if from, aliased := aliasOf[i+1]; !aliased || from != i {
			emit(Op{Kind: OpFreeActivation, Index: i + 1})
		}

		switch l.Kind {
		case nn.KindActivation, nn.KindSoftmax:
			// grad[i] aliases grad[i+1]; the buffer stays live
		default:
			emit(Op{Kind: OpFreeGrad, Index: i + 1})
		}

		if i == 0 {
			emit(Op{Kind: OpFreeActivation, Index: 0})
		}
	}

	return s
}

// Replay drives the allocation skeleton of the schedule against an
// allocator, maintaining the activation and gradient tables exactly as the
// executor would. Compute, transfer and signal ops are skipped.
func (s *Schedule) Replay(alloc func(uint64) (ml.Ptr, error), free func(ml.Ptr)) error {
	L := len(s.Offload)
	act := make([]ml.Ptr, L+1)
	grad := make([]ml.Ptr, L+1)
	ws := make(map[int]ml.Ptr)

	release := func(table []ml.Ptr, idx int) {
		p := table[idx]
		if !p.Valid() {
			return
		}
		free(p)
		for k := range table {
			if table[k] == p {
				table[k] = 0
			}
		}
	}

	for _, op := range s.Ops {
		switch op.Kind {
		case OpAllocActivation:
			p, err := alloc(op.Bytes)
			if err != nil {
				return fmt.Errorf("activation %d: %w", op.Index, err)
			}
			act[op.Index] = p
		case OpAliasActivation:
			act[op.Index] = act[op.From]
		case OpFreeActivation:
			release(act, op.Index)
		case OpAllocGrad:
			p, err := alloc(op.Bytes)
			if err != nil {
				return fmt.Errorf("gradient %d: %w", op.Index, err)
			}
			grad[op.Index] = p
		case OpAliasGrad:
			grad[op.Index] = grad[op.Index+1]
		case OpFreeGrad:
			release(grad, op.Index)
		case OpAllocWorkspace:
			if op.Bytes == 0 {
				continue
			}
			p, err := alloc(op.Bytes)
			if err != nil {
				return fmt.Errorf("workspace for layer %d: %w", op.Layer, err)
			}
			ws[op.Layer] = p
		case OpFreeWorkspace:
			if p, ok := ws[op.Layer]; ok {
				free(p)
				delete(ws, op.Layer)
			}
		case OpOffloadRetire:
			release(act, op.Layer)
		case OpPrefetch:
			p, err := alloc(op.Bytes)
			if err != nil {
				return fmt.Errorf("prefetch of layer %d: %w", op.Layer, err)
			}
			act[op.Layer] = p
		}
	}
	return nil
}
