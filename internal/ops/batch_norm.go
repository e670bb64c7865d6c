package ops

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/resource"
)

// BatchNorm normalizes data (N, C, ...) per channel on axis 1. Training
// passes use batch statistics and update the moving averages; inference
// uses the moving averages.
type BatchNorm struct {
	Eps      float64
	Momentum float64
}

func NewBatchNorm() *BatchNorm {
	return &BatchNorm{Eps: 1e-3, Momentum: 0.9}
}

func (b *BatchNorm) Name() string              { return "batch_norm" }
func (b *BatchNorm) Arguments() []string       { return []string{"data", "gamma", "beta"} }
func (b *BatchNorm) Outputs() []string         { return []string{"output", "mean", "var"} }
func (b *BatchNorm) AuxiliaryStates() []string { return []string{"moving_mean", "moving_var"} }
func (b *BatchNorm) NumVisibleOutputs() int    { return 1 }

func (b *BatchNorm) InferShape(in []device.Shape) ([]device.Shape, []device.Shape, error) {
	if len(in) != 3 {
		return nil, nil, fmt.Errorf("batch_norm: %d inputs, want 3", len(in))
	}
	data := in[0]
	if !data.Known() || len(data) < 2 {
		return nil, nil, fmt.Errorf("batch_norm: data shape %v needs at least 2 axes", data)
	}
	channel := device.Shape{data[1]}
	for i := 1; i < 3; i++ {
		if !in[i].Known() {
			in[i] = channel.Clone()
		} else if !in[i].Equal(channel) {
			return nil, nil, fmt.Errorf("batch_norm: %s shape %v, want %v", b.Arguments()[i], in[i], channel)
		}
	}
	out := []device.Shape{data.Clone(), channel.Clone(), channel.Clone()}
	aux := []device.Shape{channel.Clone(), channel.Clone()}
	return out, aux, nil
}

// InferType gives the output the data type and every per-channel buffer
// the parameter type.
func (b *BatchNorm) InferType(in []device.DType) ([]device.DType, []device.DType, error) {
	if len(in) != 3 || !in[0].Valid() || !in[1].Valid() {
		return nil, nil, fmt.Errorf("batch_norm: incomplete input types %v", in)
	}
	if in[2] != in[1] {
		return nil, nil, fmt.Errorf("batch_norm: gamma is %s, beta is %s", in[1], in[2])
	}
	acc := in[1]
	return []device.DType{in[0], acc, acc}, []device.DType{acc, acc}, nil
}

func (b *BatchNorm) CreateOperator(device.Context, []device.Shape, []device.DType) (op.Operator, error) {
	if b.Eps <= 0 {
		return nil, fmt.Errorf("batch_norm: eps %g must be positive", b.Eps)
	}
	return &batchNormOp{eps: b.Eps, momentum: b.Momentum}, nil
}

func (b *BatchNorm) ForwardResource([]device.Shape) []resource.Request {
	return []resource.Request{{Kind: resource.TempSpace}}
}

func (b *BatchNorm) BackwardResource([]device.Shape) []resource.Request {
	return []resource.Request{{Kind: resource.TempSpace}}
}

type batchNormOp struct {
	eps      float64
	momentum float64
}

// layout returns the channel count and the run length of one channel
// within a sample.
func layout(x *device.Blob) (channels, inner int) {
	s := x.Shape()
	channels = s[1]
	inner = 1
	for _, d := range s[2:] {
		inner *= d
	}
	return channels, inner
}

func channelOf(i, channels, inner int) int {
	return (i / inner) % channels
}

func (o *batchNormOp) Forward(ctx *op.OpContext, in []*device.Blob, req []op.ReqType, out, aux []*device.Blob) error {
	x, gamma, beta := in[0], in[1], in[2]
	meanOut, varOut := out[1], out[2]
	movingMean, movingVar := aux[0], aux[1]

	temp, err := findResource(ctx, resource.TempSpace)
	if err != nil {
		return err
	}
	channels, inner := layout(x)
	n := x.Size()
	count := float64(n / channels)

	mean := make([]float64, channels)
	variance := make([]float64, channels)
	if ctx.IsTrain {
		for i := 0; i < n; i++ {
			mean[channelOf(i, channels, inner)] += x.At(i)
		}
		for c := range mean {
			mean[c] /= count
		}
		for i := 0; i < n; i++ {
			c := channelOf(i, channels, inner)
			d := x.At(i) - mean[c]
			variance[c] += d * d
		}
		for c := range variance {
			variance[c] /= count
			movingMean.Set(c, o.momentum*movingMean.At(c)+(1-o.momentum)*mean[c])
			movingVar.Set(c, o.momentum*movingVar.At(c)+(1-o.momentum)*variance[c])
		}
	} else {
		mean = movingMean.Values()
		variance = movingVar.Values()
	}

	invStd := temp.Space(channels)
	for c := range invStd {
		invStd[c] = float32(1 / math.Sqrt(variance[c]+o.eps))
		op.Assign(req[1], meanOut, c, mean[c])
		op.Assign(req[2], varOut, c, variance[c])
	}
	for i := 0; i < n; i++ {
		c := channelOf(i, channels, inner)
		xhat := (x.At(i) - mean[c]) * float64(invStd[c])
		op.Assign(req[0], out[0], i, gamma.At(c)*xhat+beta.At(c))
	}
	return nil
}

// Backward uses the batch statistics saved in the mean and var outputs.
func (o *batchNormOp) Backward(ctx *op.OpContext, outGrad, in, out []*device.Blob, req []op.ReqType, inGrad, _ []*device.Blob) error {
	dy, x, gamma := outGrad[0], in[0], in[1]
	mean, variance := out[1].Values(), out[2].Values()

	temp, err := findResource(ctx, resource.TempSpace)
	if err != nil {
		return err
	}
	channels, inner := layout(x)
	n := x.Size()
	count := float64(n / channels)

	// sums[0:C] accumulates dbeta, sums[C:2C] dgamma
	sums := temp.Space(2 * channels)
	clear(sums)
	invStd := make([]float64, channels)
	for c := range invStd {
		invStd[c] = 1 / math.Sqrt(variance[c]+o.eps)
	}
	for i := 0; i < n; i++ {
		c := channelOf(i, channels, inner)
		g := dy.At(i)
		sums[c] += float32(g)
		sums[channels+c] += float32(g * (x.At(i) - mean[c]) * invStd[c])
	}

	for i := 0; i < n; i++ {
		c := channelOf(i, channels, inner)
		dbeta, dgamma := float64(sums[c]), float64(sums[channels+c])
		xhat := (x.At(i) - mean[c]) * invStd[c]
		dx := gamma.At(c) * invStd[c] / count * (count*dy.At(i) - dbeta - xhat*dgamma)
		op.Assign(req[0], inGrad[0], i, dx)
	}
	for c := 0; c < channels; c++ {
		op.Assign(req[1], inGrad[1], c, float64(sums[channels+c]))
		op.Assign(req[2], inGrad[2], c, float64(sums[c]))
	}
	return nil
}
