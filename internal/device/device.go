package device

import "fmt"

// Type distinguishes host memory from accelerator memory.
type Type int

const (
	CPUDevice Type = iota
	GPUDevice
)

func (t Type) String() string {
	switch t {
	case CPUDevice:
		return "cpu"
	case GPUDevice:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", int(t))
	}
}

// Context names one execution target. It is comparable and safe to use as
// a map key.
type Context struct {
	Type Type
	ID   int
}

func CPU() Context {
	return Context{Type: CPUDevice}
}

func GPU(id int) Context {
	return Context{Type: GPUDevice, ID: id}
}

// IsHost reports whether memory in this context is directly host-addressable.
func (c Context) IsHost() bool {
	return c.Type == CPUDevice
}

func (c Context) String() string {
	return fmt.Sprintf("%s(%d)", c.Type, c.ID)
}

// Direction describes a copy between two residencies.
type Direction int

const (
	HostToHost Direction = iota
	HostToDevice
	DeviceToHost
	DeviceToDevice
)

func (d Direction) String() string {
	switch d {
	case HostToHost:
		return "h2h"
	case HostToDevice:
		return "h2d"
	case DeviceToHost:
		return "d2h"
	case DeviceToDevice:
		return "d2d"
	default:
		return "unknown"
	}
}

// DirectionOf derives the copy direction from source and destination contexts.
func DirectionOf(src, dst Context) Direction {
	switch {
	case src.IsHost() && dst.IsHost():
		return HostToHost
	case src.IsHost():
		return HostToDevice
	case dst.IsHost():
		return DeviceToHost
	default:
		return DeviceToDevice
	}
}

// Stream is an ordered queue of device work. Host streams execute inline.
type Stream interface {
	Context() Context
	// Synchronize blocks until all queued work has finished and returns the
	// first error raised by that work, if any.
	Synchronize() error
	Close() error
}

// Backend creates blobs and moves memory for one context.
type Backend interface {
	Name() string
	Context() Context

	// Alloc returns a zeroed, owned blob resident in this backend's context.
	Alloc(shape Shape, dtype DType) (*Blob, error)

	// Free returns an owned blob's storage. Views of it become unusable.
	Free(b *Blob)

	NewStream() Stream

	// Copy moves src into dst. Either side may be host memory; the other
	// side must belong to this backend. A nil stream uses the default one.
	Copy(dst, src *Blob, s Stream) error

	// Synchronize blocks until every stream of this backend is idle.
	Synchronize()

	MemoryUsage() (allocated int64, capacity int64)

	// SupportsDescriptors reports whether backend-specific descriptor
	// resources can be requested in this context.
	SupportsDescriptors() bool
}

// Open returns the backend serving ctx.
func Open(ctx Context, cfg SimConfig) (Backend, error) {
	switch ctx.Type {
	case CPUDevice:
		return NewCPUBackend(), nil
	case GPUDevice:
		return NewSimBackend(ctx.ID, cfg), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoBackend, ctx)
}
