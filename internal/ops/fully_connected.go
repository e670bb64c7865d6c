package ops

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/resource"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// FullyConnected computes y = x·Wᵀ + b for data (N, K), weight (Hidden, K)
// and bias (Hidden). Data with more than two axes is flattened to
// (shape[0], rest).
type FullyConnected struct {
	Hidden int
}

func (f *FullyConnected) Name() string              { return "fully_connected" }
func (f *FullyConnected) Arguments() []string       { return []string{"data", "weight", "bias"} }
func (f *FullyConnected) Outputs() []string         { return []string{"output"} }
func (f *FullyConnected) AuxiliaryStates() []string { return nil }
func (f *FullyConnected) NumVisibleOutputs() int    { return 1 }

func (f *FullyConnected) InferShape(in []device.Shape) ([]device.Shape, []device.Shape, error) {
	if f.Hidden <= 0 {
		return nil, nil, fmt.Errorf("fully_connected: hidden size %d", f.Hidden)
	}
	if len(in) != 3 {
		return nil, nil, fmt.Errorf("fully_connected: %d inputs, want 3", len(in))
	}
	data := in[0]
	if !data.Known() || len(data) < 2 {
		return nil, nil, fmt.Errorf("fully_connected: data shape %v needs at least 2 axes", data)
	}
	n := data[0]
	k := data.Size() / n
	want := []device.Shape{nil, {f.Hidden, k}, {f.Hidden}}
	for i := 1; i < 3; i++ {
		if !in[i].Known() {
			in[i] = want[i]
		} else if !in[i].Equal(want[i]) {
			return nil, nil, fmt.Errorf("fully_connected: %s shape %v, want %v", f.Arguments()[i], in[i], want[i])
		}
	}
	return []device.Shape{{n, f.Hidden}}, nil, nil
}

func (f *FullyConnected) InferType(in []device.DType) ([]device.DType, []device.DType, error) {
	if err := onlyFloat32(f.Name(), in); err != nil {
		return nil, nil, err
	}
	return []device.DType{device.Float32}, nil, nil
}

func (f *FullyConnected) CreateOperator(device.Context, []device.Shape, []device.DType) (op.Operator, error) {
	return &fcOp{hidden: f.Hidden}, nil
}

func (f *FullyConnected) ForwardResource([]device.Shape) []resource.Request {
	return []resource.Request{{Kind: resource.TempSpace}}
}

func (f *FullyConnected) BackwardResource([]device.Shape) []resource.Request {
	return []resource.Request{{Kind: resource.TempSpace}}
}

type fcOp struct {
	hidden int
}

func general(b *device.Blob, rows int) blas32.General {
	cols := b.Size() / rows
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: b.Float32s()}
}

func (o *fcOp) Forward(ctx *op.OpContext, in []*device.Blob, req []op.ReqType, out, _ []*device.Blob) error {
	if req[0] == op.NullOp {
		return nil
	}
	temp, err := findResource(ctx, resource.TempSpace)
	if err != nil {
		return err
	}
	n := in[0].Shape()[0]
	x := general(in[0], n)
	w := general(in[1], o.hidden)
	bias := in[2].Float32s()

	y := blas32.General{Rows: n, Cols: o.hidden, Stride: o.hidden, Data: temp.Space(n * o.hidden)}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x, w, 0, y)
	for r := 0; r < n; r++ {
		simd.VecAdd(y.Data[r*o.hidden:(r+1)*o.hidden], bias)
	}
	store32(req[0], out[0], y.Data)
	return nil
}

func (o *fcOp) Backward(ctx *op.OpContext, outGrad, in, _ []*device.Blob, req []op.ReqType, inGrad, _ []*device.Blob) error {
	temp, err := findResource(ctx, resource.TempSpace)
	if err != nil {
		return err
	}
	n := in[0].Shape()[0]
	dy := general(outGrad[0], n)
	x := general(in[0], n)
	w := general(in[1], o.hidden)

	// dx = dy·W
	if beta, ok := gemmBeta(req[0]); ok {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dy, w, beta, general(inGrad[0], n))
	}
	// dW = dyᵀ·x
	if beta, ok := gemmBeta(req[1]); ok {
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, dy, x, beta, general(inGrad[1], o.hidden))
	}
	// db = column sums of dy
	db := temp.Space(o.hidden)
	clear(db)
	for r := 0; r < n; r++ {
		simd.VecAdd(db, dy.Data[r*o.hidden:(r+1)*o.hidden])
	}
	store32(req[2], inGrad[2], db)
	return nil
}

func gemmBeta(req op.ReqType) (float32, bool) {
	switch req {
	case op.WriteTo, op.WriteInplace:
		return 0, true
	case op.AddTo:
		return 1, true
	}
	return 0, false
}
