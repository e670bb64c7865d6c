package device

import (
	"math"
	"unsafe"
)

type storage struct {
	data     []byte
	released bool
}

// Blob is a shaped, typed memory region. A blob returned by a Backend owns
// its storage; View returns borrowed blobs that share it.
type Blob struct {
	shape Shape
	dtype DType
	ctx   Context
	store *storage
	owned bool
}

func newBlob(shape Shape, dtype DType, ctx Context, data []byte) *Blob {
	return &Blob{
		shape: shape.Clone(),
		dtype: dtype,
		ctx:   ctx,
		store: &storage{data: data},
		owned: true,
	}
}

// NewHostBlob wraps values in a standalone host blob. It is mainly useful for
// reference data in tests and comparisons.
func NewHostBlob(shape Shape, dtype DType, values []float64) (*Blob, error) {
	b := newBlob(shape, dtype, CPU(), make([]byte, shape.Size()*dtype.Size()))
	if values != nil {
		if err := b.CopyFrom(values); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Blob) Shape() Shape     { return b.shape }
func (b *Blob) DType() DType     { return b.dtype }
func (b *Blob) Context() Context { return b.ctx }
func (b *Blob) Owned() bool      { return b.owned }

// Size is the element count. It always equals Shape().Size().
func (b *Blob) Size() int {
	return b.shape.Size()
}

func (b *Blob) ByteSize() int {
	return b.Size() * b.dtype.Size()
}

func (b *Blob) Released() bool {
	return b.store == nil || b.store.released
}

// View returns a borrowed blob over the same storage.
func (b *Blob) View() *Blob {
	return &Blob{shape: b.shape, dtype: b.dtype, ctx: b.ctx, store: b.store}
}

// SameStorage reports whether two blobs alias the same memory.
func (b *Blob) SameStorage(o *Blob) bool {
	return b.store == o.store
}

// Bytes exposes the raw storage, or nil once released.
func (b *Blob) Bytes() []byte {
	if b.Released() {
		return nil
	}
	return b.store.data
}

// Float32s returns a typed view for Float32 blobs, nil otherwise.
func (b *Blob) Float32s() []float32 {
	data := b.Bytes()
	if b.dtype != Float32 || len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), b.Size())
}

// Float64s returns a typed view for Float64 blobs, nil otherwise.
func (b *Blob) Float64s() []float64 {
	data := b.Bytes()
	if b.dtype != Float64 || len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), b.Size())
}

// At reads element i converted to float64.
func (b *Blob) At(i int) float64 {
	data := b.Bytes()
	switch b.dtype {
	case Float32:
		return float64(math.Float32frombits(le32(data[i*4:])))
	case Float64:
		return math.Float64frombits(le64(data[i*8:]))
	case Float16:
		return float64(halfToFloat32(uint16(data[i*2]) | uint16(data[i*2+1])<<8))
	case Uint8:
		return float64(data[i])
	case Int32:
		return float64(int32(le32(data[i*4:])))
	}
	panic("device: At on blob with invalid dtype " + b.dtype.String())
}

// Set writes element i, converting from float64 with the dtype's rounding.
func (b *Blob) Set(i int, v float64) {
	data := b.Bytes()
	switch b.dtype {
	case Float32:
		put32(data[i*4:], math.Float32bits(float32(v)))
	case Float64:
		put64(data[i*8:], math.Float64bits(v))
	case Float16:
		h := float32ToHalf(float32(v))
		data[i*2] = byte(h)
		data[i*2+1] = byte(h >> 8)
	case Uint8:
		data[i] = uint8(v)
	case Int32:
		put32(data[i*4:], uint32(int32(v)))
	default:
		panic("device: Set on blob with invalid dtype " + b.dtype.String())
	}
}

// Values returns a flattened copy of the contents.
func (b *Blob) Values() []float64 {
	out := make([]float64, b.Size())
	if b.Released() {
		return out
	}
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}

// CopyFrom fills the blob from values, which must have exactly Size()
// elements.
func (b *Blob) CopyFrom(values []float64) error {
	if b.Released() {
		return ErrReleased
	}
	if len(values) != b.Size() {
		return &SizeMismatchError{Op: "CopyFrom", Expected: b.Size(), Actual: len(values)}
	}
	for i, v := range values {
		b.Set(i, v)
	}
	return nil
}

// Fill sets every element to v.
func (b *Blob) Fill(v float64) {
	for i, n := 0, b.Size(); i < n; i++ {
		b.Set(i, v)
	}
}

func le32(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

func le64(p []byte) uint64 {
	return uint64(le32(p)) | uint64(le32(p[4:]))<<32
}

func put32(p []byte, v uint32) {
	p[0], p[1], p[2], p[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func put64(p []byte, v uint64) {
	put32(p, uint32(v))
	put32(p[4:], uint32(v>>32))
}
