package ml

import (
	"errors"
	"fmt"
)

// ErrDeviceOOM is returned by device and pool allocators when a request
// exceeds the available memory.
var ErrDeviceOOM = errors.New("device out of memory")

// BackendParams controls how a backend instantiates its device.
type BackendParams struct {
	// MemoryBytes overrides the device memory capacity. Zero keeps the
	// backend default.
	MemoryBytes uint64
}

var backends = make(map[string]func(BackendParams) (Device, error))

// RegisterBackend registers a device factory. Backends register from their
// package init.
func RegisterBackend(name string, f func(BackendParams) (Device, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered: " + name)
	}

	backends[name] = f
}

// NewBackend creates a device via the named backend.
func NewBackend(name string, params BackendParams) (Device, error) {
	if f, ok := backends[name]; ok {
		return f(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}
