package device

import (
	"fmt"
	"sync/atomic"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// CPUBackend serves host memory from a size-bucketed pool.
type CPUBackend struct {
	pool      *bufferPool
	allocated atomic.Int64
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{pool: newBufferPool("cpu")}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Context() Context {
	return CPU()
}

func (b *CPUBackend) Alloc(shape Shape, dtype DType) (*Blob, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("device: cannot allocate %s blob", dtype)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	size := shape.Size() * dtype.Size()
	t := newBlob(shape, dtype, CPU(), b.pool.get(size))
	b.allocated.Add(int64(size))
	allocatedBytes.WithLabelValues("cpu").Add(float64(size))
	return t, nil
}

func (b *CPUBackend) Free(t *Blob) {
	if !t.owned || t.Released() {
		return
	}
	size := len(t.store.data)
	b.pool.put(t.store.data)
	t.store.data = nil
	t.store.released = true
	b.allocated.Add(-int64(size))
	allocatedBytes.WithLabelValues("cpu").Sub(float64(size))
}

func (b *CPUBackend) NewStream() Stream {
	return hostStream{}
}

func (b *CPUBackend) Copy(dst, src *Blob, _ Stream) error {
	if !dst.ctx.IsHost() || !src.ctx.IsHost() {
		return fmt.Errorf("device: CPU backend cannot copy %s", DirectionOf(src.ctx, dst.ctx))
	}
	if err := checkCopy(dst, src); err != nil {
		return err
	}
	rawCopy(dst, src)
	return nil
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

func (b *CPUBackend) MemoryUsage() (int64, int64) {
	return b.allocated.Load(), 0
}

func (b *CPUBackend) SupportsDescriptors() bool {
	return false
}
