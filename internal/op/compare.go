package op

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

// ErrMismatch is wrapped by every MismatchError.
var ErrMismatch = errors.New("op: snapshots differ")

// Tolerance bounds the difference accepted between two values: |a-b| <= Abs
// or relative difference <= Rel.
type Tolerance struct {
	Abs float64
	Rel float64
}

// DefaultTolerance suits float32 results compared across backends.
func DefaultTolerance() Tolerance {
	return Tolerance{Abs: 1e-5, Rel: 1e-4}
}

// Exact accepts only identical values.
func Exact() Tolerance {
	return Tolerance{}
}

func (t Tolerance) equal(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if a == b {
		return true
	}
	return scalar.EqualWithinAbsOrRel(a, b, t.Abs, t.Rel)
}

// MismatchError locates the first differing element between two snapshots.
type MismatchError struct {
	Kind     BlobKind
	Index    int
	Element  int
	Want     float64
	Got      float64
	MaxDelta float64
	Reason   string
}

func (e *MismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("op: %s[%d]: %s", e.Kind, e.Index, e.Reason)
	}
	return fmt.Sprintf("op: %s[%d][%d]: want %g, got %g (max delta %g)",
		e.Kind, e.Index, e.Element, e.Want, e.Got, e.MaxDelta)
}

func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}

// CompareSnapshots checks got against want kind by kind. It returns nil or
// a *MismatchError for the first divergent buffer.
func CompareSnapshots(want, got [][][]float64, tol Tolerance) error {
	if len(want) != len(got) {
		return &MismatchError{Reason: fmt.Sprintf("%d blob kinds, want %d", len(got), len(want))}
	}
	for kind := range want {
		k := BlobKind(kind)
		if len(want[kind]) != len(got[kind]) {
			return &MismatchError{Kind: k, Reason: fmt.Sprintf("%d buffers, want %d", len(got[kind]), len(want[kind]))}
		}
		for x := range want[kind] {
			w, g := want[kind][x], got[kind][x]
			if len(w) != len(g) {
				return &MismatchError{Kind: k, Index: x, Reason: fmt.Sprintf("%d elements, want %d", len(g), len(w))}
			}
			for i := range w {
				if !tol.equal(w[i], g[i]) {
					return &MismatchError{
						Kind:     k,
						Index:    x,
						Element:  i,
						Want:     w[i],
						Got:      g[i],
						MaxDelta: maxDelta(w, g),
					}
				}
			}
		}
	}
	return nil
}

func maxDelta(a, b []float64) float64 {
	d := make([]float64, len(a))
	floats.SubTo(d, a, b)
	return floats.Norm(d, math.Inf(1))
}
