package ml

import (
	"fmt"

	"github.com/vdnn/vdnn/format"
)

// DeviceInfo describes an accelerator as reported by its backend.
type DeviceInfo struct {
	// Name is the name of the device as labeled by the backend.
	Name string `json:"name"`

	// Description is the longer user-friendly identification of the device.
	Description string `json:"description"`

	// Library is the backend that drives the device (e.g. "sim", "cuda").
	Library string `json:"library"`

	// Integrated is set true for integrated devices sharing host memory.
	Integrated bool `json:"integrated,omitempty"`

	// TotalMemory is the total amount of memory on the device.
	TotalMemory uint64 `json:"total_memory"`

	// FreeMemory is the amount of memory currently available for
	// allocation.
	FreeMemory uint64 `json:"free_memory,omitempty"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s [%s] total=%s free=%s", d.Name, d.Library,
		format.HumanBytes2(d.TotalMemory), format.HumanBytes2(d.FreeMemory))
}

// StreamKind selects one of the two ordered command queues every device
// exposes.
type StreamKind int

const (
	// StreamCompute carries primitive kernels.
	StreamCompute StreamKind = iota

	// StreamMemory carries host<->device copies.
	StreamMemory
)

func (k StreamKind) String() string {
	if k == StreamMemory {
		return "memory"
	}
	return "compute"
}

// Stream is an accelerator-side FIFO command queue. Commands enqueued on the
// same stream execute in order; distinct streams execute concurrently.
// Streams are single-producer: only the thread that created the device may
// enqueue.
type Stream interface {
	// Enqueue submits an asynchronous command. The name is used in
	// diagnostics only.
	Enqueue(name string, fn func() error)

	// Record returns an event that fires once every command enqueued so
	// far has retired.
	Record() Event

	// Synchronize blocks the host until the stream drains, returning the
	// first command error if any command failed.
	Synchronize() error

	Close() error
}

// Event marks a point in a stream's execution. Host threads wait on events
// to order work against stream progress.
type Event interface {
	// Wait blocks until the event fires, returning the error of the
	// failing command if the stream aborted before the event.
	Wait() error
}

// HostBuffer is pinned (page-locked) host memory suitable as the source or
// destination of asynchronous device copies.
type HostBuffer interface {
	Bytes() []byte
	Size() uint64
	Free()
}

// Device is the accelerator abstraction the runtime drives. All per-step
// device allocations go through a Pool carved from this allocator at init;
// Alloc/Free are used only for persistent tensors and the pool reservation
// itself.
type Device interface {
	Info() DeviceInfo

	// Alloc reserves device memory. Returns ErrDeviceOOM when the request
	// exceeds free memory.
	Alloc(size uint64) (Ptr, error)
	Free(p Ptr) error

	// AllocPinned reserves page-locked host memory for async transfers.
	AllocPinned(size uint64) (HostBuffer, error)

	NewStream(kind StreamKind) Stream

	// CopyDtoH enqueues an asynchronous device-to-host copy on s.
	CopyDtoH(s Stream, dst HostBuffer, src Ptr, n uint64)

	// CopyHtoD enqueues an asynchronous host-to-device copy on s.
	CopyHtoD(s Stream, dst Ptr, src HostBuffer, n uint64)

	Close() error
}
