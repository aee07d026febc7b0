// Package runner executes the schedule a confirmed plan was simulated on:
// per-step pool allocations, compute and memory stream enqueues, and the
// detached workers that retire offloads and arm prefetches. The runner owns
// the pool, the two streams, the pinned host shadows and the input staging
// buffer; the network's parameter tensors stay with the network.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vdnn/vdnn/envconfig"
	"github.com/vdnn/vdnn/format"
	"github.com/vdnn/vdnn/ml"
	"github.com/vdnn/vdnn/nn"
	"github.com/vdnn/vdnn/planner"
)

// FatalError reports a failed schedule op. The runner is not usable after a
// fatal error: stream state and the pool may be inconsistent.
type FatalError struct {
	Op    string
	Layer int
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (layer %d): %v", e.Op, e.Layer, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Runner drives training and inference steps for one network under one
// confirmed plan.
type Runner struct {
	id   string
	net  *nn.Network
	plan *planner.Plan
	dev  ml.Device
	pool *ml.Pool

	compute ml.Stream
	memory  ml.Stream

	// train and infer are built once and replayed every step
	train *planner.Schedule
	infer *planner.Schedule

	// shadows[i] is the pinned host copy of activation[i] for offloaded
	// layers i > 0; input is the staging buffer the batch is uploaded
	// through, which doubles as the prefetch source for layer 0
	shadows map[int]ml.HostBuffer
	input   ml.HostBuffer

	offloadDone   []ml.Event
	offloadSync   []chan struct{}
	prefetchReady []chan struct{}

	workers *semaphore.Weighted
	wg      sync.WaitGroup

	mu       sync.Mutex
	asyncErr error

	step uint64
}

// New sizes the pool at the plan's confirmed peak plus any configured
// overhead and allocates the pinned shadows for every offloaded layer after
// the first; layer 0 is backed by the pinned input staging buffer.
func New(net *nn.Network, plan *planner.Plan) (*Runner, error) {
	dev := net.Device()
	L := len(net.Layers)

	pool, err := ml.NewPool(dev, plan.PeakBytes+envconfig.PoolOverhead())
	if err != nil {
		return nil, fmt.Errorf("pool of %s: %w", format.HumanBytes2(plan.PeakBytes), err)
	}

	r := &Runner{
		id:            uuid.New().String(),
		net:           net,
		plan:          plan,
		dev:           dev,
		pool:          pool,
		train:         planner.BuildSchedule(net, plan.Offload, plan.Choices, true),
		infer:         planner.BuildSchedule(net, plan.Offload, plan.Choices, false),
		shadows:       make(map[int]ml.HostBuffer),
		offloadDone:   make([]ml.Event, L),
		offloadSync:   make([]chan struct{}, L),
		prefetchReady: make([]chan struct{}, L),
		workers:       semaphore.NewWeighted(int64(envconfig.TransferWorkers())),
	}
	for i := 0; i < L; i++ {
		r.offloadSync[i] = make(chan struct{}, 1)
		r.prefetchReady[i] = make(chan struct{}, 1)
	}

	if r.input, err = dev.AllocPinned(net.ActivationBytes(0)); err != nil {
		r.Close()
		return nil, fmt.Errorf("input staging: %w", err)
	}
	for i := 1; i < L; i++ {
		if !plan.Offload[i] {
			continue
		}
		buf, err := dev.AllocPinned(net.ActivationBytes(i))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("shadow for layer %d: %w", i, err)
		}
		r.shadows[i] = buf
	}

	r.compute = dev.NewStream(ml.StreamCompute)
	r.memory = dev.NewStream(ml.StreamMemory)

	slog.Info("runner ready", "id", r.id,
		"policy", plan.Policy.String(), "tier", plan.Tier,
		"pool", format.HumanBytes2(pool.Capacity()),
		"pinned", format.HumanBytes2(plan.PinnedBytes))
	return r, nil
}

func (r *Runner) ID() string          { return r.id }
func (r *Runner) Pool() *ml.Pool      { return r.pool }
func (r *Runner) Plan() *planner.Plan { return r.plan }

// setAsyncErr records the first failure observed off the driving goroutine.
func (r *Runner) setAsyncErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.asyncErr == nil {
		r.asyncErr = err
	}
}

func (r *Runner) takeAsyncErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.asyncErr
	r.asyncErr = nil
	return err
}

// retire hands an offloaded activation to a worker that frees it once the
// device-to-host copy has landed, then posts the layer's offload-sync
// signal. Layer 0 keeps no copy in flight and is freed inline.
func (r *Runner) retire(layer int, p ml.Ptr) error {
	if layer == 0 {
		r.pool.Free(p)
		return nil
	}

	ev := r.offloadDone[layer]
	if ev == nil {
		return fmt.Errorf("layer %d retired without an offload in flight", layer)
	}
	r.offloadDone[layer] = nil

	if err := r.workers.Acquire(context.Background(), 1); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.workers.Release(1)
		if err := ev.Wait(); err != nil {
			r.setAsyncErr(&FatalError{Op: "offload", Layer: layer, Err: err})
		}
		r.pool.Free(p)
		r.offloadSync[layer] <- struct{}{}
	}()
	return nil
}

// prefetch uploads a shadowed activation back into a fresh pool block and
// arms a worker to post the layer's prefetch-ready signal when the copy
// lands. Layer 0 re-reads the input staging buffer.
func (r *Runner) prefetch(layer int, p ml.Ptr, bytes uint64) error {
	src := r.input
	if layer > 0 {
		var ok bool
		if src, ok = r.shadows[layer]; !ok {
			return fmt.Errorf("layer %d has no host shadow", layer)
		}
	}

	r.dev.CopyHtoD(r.memory, p, src, bytes)
	ev := r.memory.Record()

	if err := r.workers.Acquire(context.Background(), 1); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.workers.Release(1)
		if err := ev.Wait(); err != nil {
			r.setAsyncErr(&FatalError{Op: "prefetch", Layer: layer, Err: err})
		}
		r.prefetchReady[layer] <- struct{}{}
	}()
	return nil
}

// download copies n elements from device memory into host floats through a
// pinned bounce buffer on the memory stream.
func (r *Runner) download(src ml.Ptr, n int) ([]float64, error) {
	dt := r.net.Config.DType
	buf, err := r.dev.AllocPinned(uint64(n) * dt.Size())
	if err != nil {
		return nil, err
	}
	defer buf.Free()

	r.dev.CopyDtoH(r.memory, buf, src, buf.Size())
	if err := r.memory.Synchronize(); err != nil {
		return nil, err
	}
	return ml.DecodeFloats(buf.Bytes(), n, dt), nil
}

// upload copies host floats to device memory through a pinned bounce buffer.
func (r *Runner) upload(dst ml.Ptr, vals []float64) error {
	dt := r.net.Config.DType
	buf, err := r.dev.AllocPinned(uint64(len(vals)) * dt.Size())
	if err != nil {
		return err
	}
	defer buf.Free()

	ml.EncodeFloats(buf.Bytes(), vals, dt)
	r.dev.CopyHtoD(r.memory, dst, buf, buf.Size())
	return r.memory.Synchronize()
}

// Close drains the streams, waits out any in-flight workers and releases the
// pool and pinned buffers.
func (r *Runner) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if r.compute != nil {
		record(r.compute.Close())
	}
	if r.memory != nil {
		record(r.memory.Close())
	}
	r.wg.Wait()

	for _, buf := range r.shadows {
		buf.Free()
	}
	r.shadows = nil
	if r.input != nil {
		r.input.Free()
		r.input = nil
	}
	if r.pool != nil {
		record(r.pool.Shutdown())
	}
	return firstErr
}
