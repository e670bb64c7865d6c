package device

import "fmt"

// checkCopy validates a transfer before any byte moves.
func checkCopy(dst, src *Blob) error {
	if dst.Released() || src.Released() {
		return ErrReleased
	}
	if dst.Size() != src.Size() {
		return &SizeMismatchError{Op: "Copy", Expected: dst.Size(), Actual: src.Size()}
	}
	if dst.dtype != src.dtype {
		return fmt.Errorf("%w: copy %s into %s", ErrTypeMismatch, src.dtype, dst.dtype)
	}
	return nil
}

func rawCopy(dst, src *Blob) {
	n := copy(dst.store.data, src.store.data)
	copiedBytes.WithLabelValues(DirectionOf(src.ctx, dst.ctx).String()).Add(float64(n))
}

// hostStream runs everything inline.
type hostStream struct{}

func (hostStream) Context() Context   { return CPU() }
func (hostStream) Synchronize() error { return nil }
func (hostStream) Close() error       { return nil }
