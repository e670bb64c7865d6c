package ops

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/resource"
)

// Dropout zeroes each element with probability P during training and
// scales survivors by 1/(1-P). The mask output is hidden from gradients.
type Dropout struct {
	P float64
}

func (d *Dropout) Name() string              { return "dropout" }
func (d *Dropout) Arguments() []string       { return []string{"data"} }
func (d *Dropout) Outputs() []string         { return []string{"output", "mask"} }
func (d *Dropout) AuxiliaryStates() []string { return nil }
func (d *Dropout) NumVisibleOutputs() int    { return 1 }

func (d *Dropout) InferShape(in []device.Shape) ([]device.Shape, []device.Shape, error) {
	out, err := sameShape(d.Name(), in, 2)
	return out, nil, err
}

func (d *Dropout) InferType(in []device.DType) ([]device.DType, []device.DType, error) {
	out, err := sameType(d.Name(), in, 2)
	return out, nil, err
}

func (d *Dropout) CreateOperator(device.Context, []device.Shape, []device.DType) (op.Operator, error) {
	if d.P < 0 || d.P >= 1 {
		return nil, fmt.Errorf("dropout: probability %g outside [0, 1)", d.P)
	}
	return dropoutOp{p: d.P}, nil
}

func (d *Dropout) ForwardResource([]device.Shape) []resource.Request {
	return []resource.Request{{Kind: resource.ParallelRandom}}
}

func (d *Dropout) BackwardResource([]device.Shape) []resource.Request { return nil }

type dropoutOp struct {
	p float64
}

// Forward splits the elements into one contiguous chunk per random state.
func (o dropoutOp) Forward(ctx *op.OpContext, in []*device.Blob, req []op.ReqType, out, _ []*device.Blob) error {
	x, y, mask := in[0], out[0], out[1]
	n := x.Size()
	if !ctx.IsTrain || o.p == 0 {
		for i := 0; i < n; i++ {
			op.Assign(req[0], y, i, x.At(i))
			op.Assign(req[1], mask, i, 1)
		}
		return nil
	}

	h, err := findResource(ctx, resource.ParallelRandom)
	if err != nil {
		return err
	}
	states := h.States()
	if len(states) == 0 {
		return fmt.Errorf("dropout: %s has no random states", h)
	}
	keep := 1 / (1 - o.p)
	chunk := (n + len(states) - 1) / len(states)
	for s, rng := range states {
		for i := s * chunk; i < min((s+1)*chunk, n); i++ {
			m := 0.0
			if rng.Float64() >= o.p {
				m = keep
			}
			op.Assign(req[1], mask, i, m)
			op.Assign(req[0], y, i, x.At(i)*m)
		}
	}
	return nil
}

func (o dropoutOp) Backward(_ *op.OpContext, outGrad, _, out []*device.Blob, req []op.ReqType, inGrad, _ []*device.Blob) error {
	dy, mask := outGrad[0], out[1]
	for i, n := 0, dy.Size(); i < n; i++ {
		op.Assign(req[0], inGrad[0], i, dy.At(i)*mask.At(i))
	}
	return nil
}
