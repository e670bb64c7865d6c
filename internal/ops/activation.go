package ops

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/resource"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

type ActivationKind int

const (
	Relu ActivationKind = iota
	Sigmoid
	Tanh
	FastTanh
)

func (k ActivationKind) String() string {
	switch k {
	case Relu:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	case Tanh:
		return "tanh"
	case FastTanh:
		return "fast_tanh"
	default:
		return fmt.Sprintf("activation(%d)", int(k))
	}
}

// Activation applies a point-wise nonlinearity.
type Activation struct {
	Kind ActivationKind
}

func (a *Activation) Name() string              { return a.Kind.String() }
func (a *Activation) Arguments() []string       { return []string{"data"} }
func (a *Activation) Outputs() []string         { return []string{"output"} }
func (a *Activation) AuxiliaryStates() []string { return nil }
func (a *Activation) NumVisibleOutputs() int    { return 1 }

func (a *Activation) InferShape(in []device.Shape) ([]device.Shape, []device.Shape, error) {
	out, err := sameShape(a.Name(), in, 1)
	return out, nil, err
}

func (a *Activation) InferType(in []device.DType) ([]device.DType, []device.DType, error) {
	out, err := sameType(a.Name(), in, 1)
	return out, nil, err
}

func (a *Activation) CreateOperator(device.Context, []device.Shape, []device.DType) (op.Operator, error) {
	if a.Kind < Relu || a.Kind > FastTanh {
		return nil, fmt.Errorf("ops: unknown activation %d", int(a.Kind))
	}
	return activationOp{kind: a.Kind}, nil
}

func (a *Activation) ForwardResource([]device.Shape) []resource.Request  { return nil }
func (a *Activation) BackwardResource([]device.Shape) []resource.Request { return nil }

type activationOp struct {
	kind ActivationKind
}

func (o activationOp) Forward(_ *op.OpContext, in []*device.Blob, req []op.ReqType, out, _ []*device.Blob) error {
	values := in[0].Values()
	switch o.kind {
	case Relu:
		simd.Relu(values)
	case Sigmoid:
		simd.Sigmoid(values)
	case Tanh:
		for i, v := range values {
			values[i] = math.Tanh(v)
		}
	case FastTanh:
		for i, v := range values {
			values[i] = simd.TanhFast(v)
		}
	}
	store(req[0], out[0], values)
	return nil
}

// Backward derives the gradient from the forward output y.
func (o activationOp) Backward(_ *op.OpContext, outGrad, _, out []*device.Blob, req []op.ReqType, inGrad, _ []*device.Blob) error {
	dy := outGrad[0].Values()
	y := out[0].Values()
	for i := range dy {
		switch o.kind {
		case Relu:
			if y[i] <= 0 {
				dy[i] = 0
			}
		case Sigmoid:
			dy[i] *= y[i] * (1 - y[i])
		case Tanh, FastTanh:
			dy[i] *= 1 - y[i]*y[i]
		}
	}
	store(req[0], inGrad[0], dy)
	return nil
}
