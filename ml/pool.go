package ml

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vdnn/vdnn/format"
)

// PoolAlign is the allocation granularity of the pool. Every block is
// rounded up to this boundary, and the planner models allocations with the
// same rounding so its simulation and the pool agree byte for byte.
const PoolAlign = 256

// AlignUp rounds n up to the pool allocation granularity.
func AlignUp(n uint64) uint64 {
	return (n + PoolAlign - 1) &^ (PoolAlign - 1)
}

var (
	// ErrPoolClosed is returned for operations on a pool after Shutdown.
	ErrPoolClosed = errors.New("pool is shut down")

	// ErrBlockTooLarge is returned when a request can never be satisfied
	// because it exceeds the pool capacity outright.
	ErrBlockTooLarge = errors.New("allocation exceeds pool capacity")
)

type span struct {
	off, size uint64
}

// Pool is a suballocator over a fixed device region reserved once at init.
// It is the sole serialization point between the compute thread and the
// background workers that free offloaded activations: Alloc blocks on a
// condition variable until a concurrent Free makes room.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	dev      Device
	base     Ptr
	capacity uint64

	// free spans sorted by offset; blocks maps live pointers to sizes.
	free   []span
	blocks map[Ptr]uint64

	inUse uint64
	peak  uint64
	waits uint64

	closed bool
}

// NewPool reserves capacity bytes from the device and serves every
// subsequent per-step allocation from that region without growing it.
func NewPool(dev Device, capacity uint64) (*Pool, error) {
	capacity = AlignUp(capacity)
	base, err := dev.Alloc(capacity)
	if err != nil {
		return nil, fmt.Errorf("reserving %s pool: %w", format.HumanBytes2(capacity), err)
	}

	p := &Pool{
		dev:      dev,
		base:     base,
		capacity: capacity,
		free:     []span{{off: 0, size: capacity}},
		blocks:   make(map[Ptr]uint64),
	}
	p.cond = sync.NewCond(&p.mu)

	slog.Debug("pool reserved", "capacity", format.HumanBytes2(capacity), "base", base)
	return p, nil
}

// Alloc returns a block of at least size bytes, blocking until a concurrent
// Free makes room. Requests that can never fit fail with ErrBlockTooLarge.
func (p *Pool) Alloc(size uint64) (Ptr, error) {
	size = AlignUp(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if size > p.capacity {
		return 0, fmt.Errorf("%w: %s > %s", ErrBlockTooLarge,
			format.HumanBytes2(size), format.HumanBytes2(p.capacity))
	}

	for {
		if p.closed {
			return 0, ErrPoolClosed
		}
		if ptr, ok := p.take(size); ok {
			return ptr, nil
		}

		p.waits++
		p.cond.Wait()
	}
}

// TryAlloc is the non-blocking variant used by the planner's confirmation
// replay, where no concurrent worker will ever free memory.
func (p *Pool) TryAlloc(size uint64) (Ptr, error) {
	size = AlignUp(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPoolClosed
	}
	if size > p.capacity {
		return 0, fmt.Errorf("%w: %s > %s", ErrBlockTooLarge,
			format.HumanBytes2(size), format.HumanBytes2(p.capacity))
	}
	if ptr, ok := p.take(size); ok {
		return ptr, nil
	}

	return 0, ErrDeviceOOM
}

// take carves the first free span that fits. Caller holds mu.
func (p *Pool) take(size uint64) (Ptr, bool) {
	for i := range p.free {
		if p.free[i].size < size {
			continue
		}

		off := p.free[i].off
		p.free[i].off += size
		p.free[i].size -= size
		if p.free[i].size == 0 {
			p.free = append(p.free[:i], p.free[i+1:]...)
		}

		ptr := p.base + Ptr(off)
		p.blocks[ptr] = size
		p.inUse += size
		if p.inUse > p.peak {
			p.peak = p.inUse
		}
		return ptr, true
	}

	return 0, false
}

// Free releases a block and wakes every blocked allocator.
func (p *Pool) Free(ptr Ptr) {
	if !ptr.Valid() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size, ok := p.blocks[ptr]
	if !ok {
		panic(fmt.Sprintf("pool: free of unknown pointer %#x", uint64(ptr)))
	}
	delete(p.blocks, ptr)
	p.inUse -= size

	p.insert(span{off: uint64(ptr - p.base), size: size})
	p.cond.Broadcast()
}

// insert returns the span to the free list, coalescing with neighbors.
// Caller holds mu.
func (p *Pool) insert(s span) {
	i := 0
	for i < len(p.free) && p.free[i].off < s.off {
		i++
	}

	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = s

	// merge with successor, then predecessor
	if i+1 < len(p.free) && p.free[i].off+p.free[i].size == p.free[i+1].off {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].off+p.free[i-1].size == p.free[i].off {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

// InUse reports the bytes currently handed out.
func (p *Pool) InUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Peak reports the high-water mark of handed-out bytes.
func (p *Pool) Peak() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Outstanding reports the number of live blocks.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

// Waits reports how many times Alloc had to block for a concurrent Free.
func (p *Pool) Waits() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}

func (p *Pool) Capacity() uint64 { return p.capacity }

// ResetPeak clears the high-water mark, e.g. between planning and execution.
func (p *Pool) ResetPeak() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peak = p.inUse
}

// Shutdown releases the backing region and fails all blocked allocators.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if n := len(p.blocks); n > 0 {
		slog.Warn("pool shutdown with outstanding blocks", "blocks", n, "bytes", format.HumanBytes2(p.inUse))
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	return p.dev.Free(p.base)
}
