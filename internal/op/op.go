// Package op drives operator instances through forward and backward passes
// on host or accelerator contexts. It owns buffer allocation, resource
// claiming, device mirroring and timing, so that any operator kind can be
// tested the same way.
//
// A typical test:
//
//	exec, _ := op.NewExecutor(desc, op.DefaultConfig(device.Shape{2, 2}), op.Deps{})
//	defer exec.Close()
//	exec.InitForward()
//	exec.Forward(ctx, 1)
//	exec.Dump(os.Stdout, "scale")
package op

import (
	"errors"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/resource"
)

var (
	// ErrNoOperator means the descriptor's factory produced no instance.
	ErrNoOperator = errors.New("op: descriptor created no operator")
	// ErrNotInitialized means Forward or Backward ran before its init.
	ErrNotInitialized = errors.New("op: executor not initialized")
	// ErrBadIndex means a collection or buffer index is out of range.
	ErrBadIndex = errors.New("op: index out of range")
	// ErrInference means shape or type inference produced inconsistent results.
	ErrInference = errors.New("op: inference failed")
)

// ReqType tells an operator how to treat an output slot.
type ReqType int

const (
	NullOp ReqType = iota
	WriteTo
	WriteInplace
	AddTo
)

func (r ReqType) String() string {
	switch r {
	case NullOp:
		return "null"
	case WriteTo:
		return "write"
	case WriteInplace:
		return "inplace"
	case AddTo:
		return "add"
	default:
		return "unknown"
	}
}

// Assign stores v into element i of b according to req.
func Assign(req ReqType, b *device.Blob, i int, v float64) {
	switch req {
	case WriteTo, WriteInplace:
		b.Set(i, v)
	case AddTo:
		b.Set(i, b.At(i)+v)
	}
}

// OpContext is the execution context of one pass.
type OpContext struct {
	IsTrain bool
	// Requested holds claimed resources in request order: forward requests
	// first, then backward requests once backward is initialized.
	Requested []*resource.Handle
	// Stream is nil for host execution.
	Stream device.Stream
	// Device is the context the operator runs in.
	Device device.Context
}

// Operator is an executable operator instance.
type Operator interface {
	Forward(ctx *OpContext, in []*device.Blob, req []ReqType, out []*device.Blob, aux []*device.Blob) error
	Backward(ctx *OpContext, outGrad, in, out []*device.Blob, req []ReqType, inGrad, aux []*device.Blob) error
}

// Descriptor describes an operator: its arguments, inference rules,
// resource needs and a factory for instances.
type Descriptor interface {
	Name() string
	Arguments() []string
	Outputs() []string
	AuxiliaryStates() []string
	// NumVisibleOutputs counts the leading outputs that receive gradients.
	NumVisibleOutputs() int

	// InferShape completes in (nil entries are unknown) and returns output
	// and auxiliary shapes.
	InferShape(in []device.Shape) (out, aux []device.Shape, err error)
	// InferType completes in (Unknown entries) and returns output and
	// auxiliary types.
	InferType(in []device.DType) (out, aux []device.DType, err error)

	// CreateOperator binds an instance to ctx. Shapes may still be partial.
	CreateOperator(ctx device.Context, in []device.Shape, types []device.DType) (Operator, error)

	ForwardResource(in []device.Shape) []resource.Request
	BackwardResource(in []device.Shape) []resource.Request
}

// ForwardOnly is implemented by descriptors without a backward pass.
type ForwardOnly interface {
	ForwardOnly() bool
}

// HasBackward reports whether desc supports backward execution.
func HasBackward(desc Descriptor) bool {
	if f, ok := desc.(ForwardOnly); ok {
		return !f.ForwardOnly()
	}
	return true
}

func writeRequests(n int) []ReqType {
	req := make([]ReqType, n)
	for i := range req {
		req[i] = WriteTo
	}
	return req
}
