// Package sim implements a host-memory accelerator backend. It models the
// pieces of a real device the runtime depends on: a fixed memory budget, two
// concurrent FIFO command streams, events, and asynchronous host<->device
// copies. Primitive kernels execute as ordinary host code enqueued on the
// compute stream, which lets the full offload/prefetch machinery run and be
// tested without accelerator hardware.
package sim

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/vdnn/vdnn/format"
	"github.com/vdnn/vdnn/ml"
)

const defaultMemory = 8 * format.GibiByte

// addresses start above the null page so a valid Ptr is never zero
const addrBase = 0x1000

func init() {
	ml.RegisterBackend("sim", func(params ml.BackendParams) (ml.Device, error) {
		total := uint64(defaultMemory)
		if params.MemoryBytes > 0 {
			total = params.MemoryBytes
		}
		return New(total), nil
	})
}

type region struct {
	addr ml.Ptr
	buf  []byte
}

// Device is a simulated accelerator backed by host memory.
type Device struct {
	mu      sync.Mutex
	total   uint64
	free    uint64
	next    uint64
	regions []region // sorted by addr
	streams []*stream
	closed  bool
}

func New(total uint64) *Device {
	return &Device{total: total, free: total, next: addrBase}
}

func (d *Device) Info() ml.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ml.DeviceInfo{
		Name:        "sim0",
		Description: "simulated host-memory accelerator",
		Library:     "sim",
		TotalMemory: d.total,
		FreeMemory:  d.free,
	}
}

func (d *Device) Alloc(size uint64) (ml.Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, fmt.Errorf("device is closed")
	}
	if size > d.free {
		return 0, fmt.Errorf("%w: requested %s, free %s", ml.ErrDeviceOOM,
			format.HumanBytes2(size), format.HumanBytes2(d.free))
	}

	// Addresses are handed out monotonically and never reused, so a stale
	// pointer can never alias a live region.
	addr := ml.Ptr(d.next)
	d.next += size + ml.PoolAlign
	d.free -= size

	r := region{addr: addr, buf: make([]byte, size)}
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].addr > addr })
	d.regions = append(d.regions, region{})
	copy(d.regions[i+1:], d.regions[i:])
	d.regions[i] = r

	return addr, nil
}

func (d *Device) Free(p ml.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].addr >= p })
	if i == len(d.regions) || d.regions[i].addr != p {
		return fmt.Errorf("free of unknown device pointer %#x", uint64(p))
	}

	d.free += uint64(len(d.regions[i].buf))
	d.regions = append(d.regions[:i], d.regions[i+1:]...)
	return nil
}

// slice resolves a device pointer range to backing memory. The range may sit
// anywhere inside an allocated region, which is how suballocated pool blocks
// are addressed.
func (d *Device) slice(p ml.Ptr, n uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].addr > p })
	if i == 0 {
		return nil, fmt.Errorf("invalid device pointer %#x", uint64(p))
	}

	r := d.regions[i-1]
	off := uint64(p - r.addr)
	if off+n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("device access out of bounds: %#x+%d", uint64(p), n)
	}

	return r.buf[off : off+n], nil
}

// Bytes returns the backing memory for a device range. Kernels and copies
// running on streams use this; host code must order access via stream
// synchronization.
func (d *Device) Bytes(p ml.Ptr, n uint64) ([]byte, error) {
	return d.slice(p, n)
}

// Float32s views a device range as float32 values.
func (d *Device) Float32s(p ml.Ptr, n int) ([]float32, error) {
	b, err := d.slice(p, uint64(n)*4)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n), nil
}

// Float64s views a device range as float64 values.
func (d *Device) Float64s(p ml.Ptr, n int) ([]float64, error) {
	b, err := d.slice(p, uint64(n)*8)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), n), nil
}

type hostBuffer struct {
	b []byte
}

func (h *hostBuffer) Bytes() []byte { return h.b }
func (h *hostBuffer) Size() uint64  { return uint64(len(h.b)) }
func (h *hostBuffer) Free()         { h.b = nil }

func (d *Device) AllocPinned(size uint64) (ml.HostBuffer, error) {
	return &hostBuffer{b: make([]byte, size)}, nil
}

func (d *Device) CopyDtoH(s ml.Stream, dst ml.HostBuffer, src ml.Ptr, n uint64) {
	s.Enqueue("copy dtoh", func() error {
		b, err := d.slice(src, n)
		if err != nil {
			return err
		}
		copy(dst.Bytes(), b)
		return nil
	})
}

func (d *Device) CopyHtoD(s ml.Stream, dst ml.Ptr, src ml.HostBuffer, n uint64) {
	s.Enqueue("copy htod", func() error {
		b, err := d.slice(dst, n)
		if err != nil {
			return err
		}
		copy(b, src.Bytes()[:n])
		return nil
	})
}

func (d *Device) NewStream(kind ml.StreamKind) ml.Stream {
	s := newStream(kind)

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()

	return s
}

func (d *Device) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.closed = true
	d.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return nil
}
