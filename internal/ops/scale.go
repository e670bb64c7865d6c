package ops

import (
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/resource"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// Scale multiplies its input by a constant: y = x*Factor.
type Scale struct {
	Factor float64
}

func (s *Scale) Name() string              { return "scale" }
func (s *Scale) Arguments() []string       { return []string{"data"} }
func (s *Scale) Outputs() []string         { return []string{"output"} }
func (s *Scale) AuxiliaryStates() []string { return nil }
func (s *Scale) NumVisibleOutputs() int    { return 1 }

func (s *Scale) InferShape(in []device.Shape) ([]device.Shape, []device.Shape, error) {
	out, err := sameShape(s.Name(), in, 1)
	return out, nil, err
}

func (s *Scale) InferType(in []device.DType) ([]device.DType, []device.DType, error) {
	out, err := sameType(s.Name(), in, 1)
	return out, nil, err
}

func (s *Scale) CreateOperator(device.Context, []device.Shape, []device.DType) (op.Operator, error) {
	return scaleOp{factor: s.Factor}, nil
}

func (s *Scale) ForwardResource([]device.Shape) []resource.Request  { return nil }
func (s *Scale) BackwardResource([]device.Shape) []resource.Request { return nil }

type scaleOp struct {
	factor float64
}

func (o scaleOp) Forward(_ *op.OpContext, in []*device.Blob, req []op.ReqType, out, _ []*device.Blob) error {
	o.apply(req[0], out[0], in[0])
	return nil
}

func (o scaleOp) Backward(_ *op.OpContext, outGrad, _, _ []*device.Blob, req []op.ReqType, inGrad, _ []*device.Blob) error {
	o.apply(req[0], inGrad[0], outGrad[0])
	return nil
}

func (o scaleOp) apply(req op.ReqType, dst, src *device.Blob) {
	values := src.Values()
	simd.VecScale(values, o.factor)
	store(req, dst, values)
}
