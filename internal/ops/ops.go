// Package ops provides reference operator descriptors that exercise the
// executor with realistic resource and buffer layouts.
package ops

import (
	"errors"
	"fmt"
	"slices"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/resource"
)

// ErrUnknownOperator is returned by Lookup for unregistered names.
var ErrUnknownOperator = errors.New("ops: unknown operator")

var registry = map[string]func() op.Descriptor{
	"scale":           func() op.Descriptor { return &Scale{Factor: 2} },
	"fully_connected": func() op.Descriptor { return &FullyConnected{Hidden: 4} },
	"relu":            func() op.Descriptor { return &Activation{Kind: Relu} },
	"sigmoid":         func() op.Descriptor { return &Activation{Kind: Sigmoid} },
	"tanh":            func() op.Descriptor { return &Activation{Kind: Tanh} },
	"fast_tanh":       func() op.Descriptor { return &Activation{Kind: FastTanh} },
	"dropout":         func() op.Descriptor { return &Dropout{P: 0.5} },
	"batch_norm":      func() op.Descriptor { return NewBatchNorm() },
}

// Lookup returns a descriptor with default parameters.
func Lookup(name string) (op.Descriptor, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
	}
	return f(), nil
}

// Names lists registered operators in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// sameShape infers an element-wise operator: n outputs shaped like input 0.
func sameShape(name string, in []device.Shape, n int) ([]device.Shape, error) {
	if len(in) == 0 || !in[0].Known() {
		return nil, fmt.Errorf("%s: data shape is required", name)
	}
	if err := in[0].Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	out := make([]device.Shape, n)
	for i := range out {
		out[i] = in[0].Clone()
	}
	return out, nil
}

func sameType(name string, in []device.DType, n int) ([]device.DType, error) {
	if len(in) == 0 || !in[0].Valid() {
		return nil, fmt.Errorf("%s: data type is required", name)
	}
	out := make([]device.DType, n)
	for i := range out {
		out[i] = in[0]
	}
	return out, nil
}

// onlyFloat32 rejects inputs that are not float32.
func onlyFloat32(name string, in []device.DType) error {
	for i, t := range in {
		if t != device.Float32 {
			return fmt.Errorf("%s: input %d is %s, only float32 is supported", name, i, t)
		}
	}
	return nil
}

// findResource returns the last claimed handle of kind. Backward handles
// follow forward ones, so the last match belongs to the current pass.
func findResource(ctx *op.OpContext, kind resource.Kind) (*resource.Handle, error) {
	for i := len(ctx.Requested) - 1; i >= 0; i-- {
		if h := ctx.Requested[i]; h.Kind == kind {
			return h, nil
		}
	}
	return nil, fmt.Errorf("ops: no %s resource claimed", kind)
}

// store writes values into b element by element according to req.
func store(req op.ReqType, b *device.Blob, values []float64) {
	if req == op.NullOp {
		return
	}
	for i, v := range values {
		op.Assign(req, b, i, v)
	}
}

// store32 is store for float32 blobs with a float32 source.
func store32(req op.ReqType, b *device.Blob, values []float32) {
	dst := b.Float32s()
	switch req {
	case op.WriteTo, op.WriteInplace:
		copy(dst, values)
	case op.AddTo:
		for i, v := range values {
			dst[i] += v
		}
	}
}
