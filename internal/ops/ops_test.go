package ops

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/timing"
)

func newExec(t *testing.T, desc op.Descriptor, ctx device.Context, shapes ...device.Shape) op.Executor {
	t.Helper()
	cfg := op.DefaultConfig(shapes...)
	cfg.Context = ctx
	exec, err := op.NewExecutor(desc, cfg, op.Deps{Timing: timing.NewRegistry("ops-test")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestScale_Doubles(t *testing.T) {
	exec := newExec(t, &Scale{Factor: 2}, device.CPU(), device.Shape{2, 2})
	_, err := exec.InitBackward()
	require.NoError(t, err)

	require.NoError(t, exec.Data().Inputs()[0].CopyFrom([]float64{1, 2, 3, 4}))
	require.NoError(t, exec.Data().OutGrads()[0].CopyFrom([]float64{1, 1, 1, 1}))
	require.NoError(t, exec.Forward(context.Background(), 1))
	require.NoError(t, exec.Backward(context.Background(), 1))

	assert.Equal(t, []float64{2, 4, 6, 8}, exec.Data().Outputs()[0].Values())
	assert.Equal(t, []float64{2, 2, 2, 2}, exec.Data().InGrads()[0].Values())
}

func TestFullyConnected(t *testing.T) {
	exec := newExec(t, &FullyConnected{Hidden: 2}, device.CPU(), device.Shape{2, 3})
	_, err := exec.InitBackward()
	require.NoError(t, err)

	in := exec.Data().Inputs()
	require.Len(t, in, 3)
	assert.True(t, in[1].Shape().Equal(device.Shape{2, 3}))
	assert.True(t, in[2].Shape().Equal(device.Shape{2}))
	assert.True(t, exec.Data().Outputs()[0].Shape().Equal(device.Shape{2, 2}))

	require.NoError(t, in[0].CopyFrom([]float64{1, 2, 3, 4, 5, 6}))
	require.NoError(t, in[1].CopyFrom([]float64{1, 0, 0, 0, 1, 1}))
	require.NoError(t, in[2].CopyFrom([]float64{0.5, -1}))
	require.NoError(t, exec.Data().OutGrads()[0].CopyFrom([]float64{1, 0, 0, 1}))

	require.NoError(t, exec.Forward(context.Background(), 1))
	// row 0: [1, 2+3] + b, row 1: [4, 5+6] + b
	assert.Equal(t, []float64{1.5, 4, 4.5, 10}, exec.Data().Outputs()[0].Values())

	require.NoError(t, exec.Backward(context.Background(), 1))
	grads := exec.Data().InGrads()
	// dx = dy·W
	assert.Equal(t, []float64{1, 0, 0, 0, 1, 1}, grads[0].Values())
	// dW = dyᵀ·x
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, grads[1].Values())
	assert.Equal(t, []float64{1, 1}, grads[2].Values())

	assert.Len(t, exec.OpContext().Requested, 2)
}

func TestFullyConnected_RejectsFloat64(t *testing.T) {
	cfg := op.DefaultConfig(device.Shape{2, 3})
	cfg.MainType = device.Float64
	exec, err := op.NewExecutor(&FullyConnected{Hidden: 2}, cfg, op.Deps{})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitForward()
	assert.ErrorIs(t, err, op.ErrInference)
}

func TestActivation(t *testing.T) {
	x := []float64{-1, 0, 0.5, 2}
	tests := []struct {
		kind ActivationKind
		want func(float64) float64
		tol  float64
	}{
		{Relu, func(v float64) float64 { return math.Max(v, 0) }, 0},
		{Sigmoid, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }, 1e-6},
		{Tanh, math.Tanh, 1e-6},
		{FastTanh, math.Tanh, 0.03},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			exec := newExec(t, &Activation{Kind: tt.kind}, device.CPU(), device.Shape{4})
			_, err := exec.InitForward()
			require.NoError(t, err)
			require.NoError(t, exec.Data().Inputs()[0].CopyFrom(x))
			require.NoError(t, exec.Forward(context.Background(), 1))
			for i, got := range exec.Data().Outputs()[0].Values() {
				assert.InDelta(t, tt.want(x[i]), got, tt.tol+1e-7, "x=%g", x[i])
			}
		})
	}
}

func TestDropout(t *testing.T) {
	exec := newExec(t, &Dropout{P: 0.5}, device.CPU(), device.Shape{64})
	_, err := exec.InitBackward()
	require.NoError(t, err)

	data := exec.Data()
	assert.Len(t, data.Outputs(), 2)
	assert.Len(t, data.OutGrads(), 1)
	op.Fill(data.Inputs(), 1)
	op.Fill(data.OutGrads(), 1)

	require.NoError(t, exec.Forward(context.Background(), 1))
	require.NoError(t, exec.Backward(context.Background(), 1))

	y, mask, dx := data.Outputs()[0].Values(), data.Outputs()[1].Values(), data.InGrads()[0].Values()
	kept := 0
	for i := range y {
		assert.Contains(t, []float64{0, 2}, mask[i])
		assert.Equal(t, mask[i], y[i])
		assert.Equal(t, mask[i], dx[i])
		if mask[i] != 0 {
			kept++
		}
	}
	assert.Greater(t, kept, 0)
	assert.Less(t, kept, 64)
}

func TestDropout_Inference(t *testing.T) {
	cfg := op.DefaultConfig(device.Shape{8})
	cfg.IsTrain = false
	exec, err := op.NewExecutor(&Dropout{P: 0.9}, cfg, op.Deps{})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitForward()
	require.NoError(t, err)
	op.FillSequence(exec.Data().Inputs(), 1, 1)
	require.NoError(t, exec.Forward(context.Background(), 1))
	assert.Equal(t, exec.Data().Inputs()[0].Values(), exec.Data().Outputs()[0].Values())
}

func TestBatchNorm(t *testing.T) {
	exec := newExec(t, NewBatchNorm(), device.CPU(), device.Shape{2, 2, 2})
	_, err := exec.InitBackward()
	require.NoError(t, err)

	data := exec.Data()
	require.Len(t, data.Inputs(), 3)
	require.Len(t, data.Outputs(), 3)
	require.Len(t, data.AuxStates(), 2)
	assert.True(t, data.Inputs()[1].Shape().Equal(device.Shape{2}))

	// channel 0 holds {1, 2, 5, 6}, channel 1 holds {3, 4, 7, 8}
	op.FillSequence(data.Inputs()[:1], 1, 1)
	op.Fill(data.Inputs()[1:2], 1)
	op.Fill(data.OutGrads(), 1)
	require.NoError(t, exec.Forward(context.Background(), 1))

	out := data.Outputs()
	assert.InDeltaSlice(t, []float64{3.5, 5.5}, out[1].Values(), 1e-6)
	assert.InDeltaSlice(t, []float64{4.25, 4.25}, out[2].Values(), 1e-6)
	assert.InDeltaSlice(t, []float64{0.35, 0.55}, data.AuxStates()[0].Values(), 1e-6)

	var sum float64
	for _, v := range out[0].Values() {
		sum += v
	}
	assert.InDelta(t, 0, sum, 1e-5)

	require.NoError(t, exec.Backward(context.Background(), 1))
	grads := data.InGrads()
	// a constant upstream gradient does not move normalized values
	assert.InDeltaSlice(t, make([]float64, 8), grads[0].Values(), 1e-5)
	assert.InDeltaSlice(t, []float64{4, 4}, grads[2].Values(), 1e-6)
}

func TestDeviceParity(t *testing.T) {
	shapes := map[string][]device.Shape{
		"fully_connected": {{3, 5}},
		"batch_norm":      {{2, 3, 4}},
	}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			desc, err := Lookup(name)
			require.NoError(t, err)
			in, ok := shapes[name]
			if !ok {
				in = []device.Shape{{4, 6}}
			}

			var snaps [][][][]float64
			for _, ctx := range []device.Context{device.CPU(), device.GPU(0)} {
				exec := newExec(t, desc, ctx, in...)
				_, err := exec.InitBackward()
				require.NoError(t, err)
				op.FillRandom(exec.Data().Inputs(), 1)
				op.FillRandom(exec.Data().OutGrads(), 2)
				require.NoError(t, exec.Forward(context.Background(), 2))
				require.NoError(t, exec.Backward(context.Background(), 1))
				snaps = append(snaps, exec.Snapshot())
			}
			assert.NoError(t, op.CompareSnapshots(snaps[0], snaps[1], op.Exact()))
		})
	}
}

func TestLookup(t *testing.T) {
	_, err := Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownOperator)
	assert.Contains(t, Names(), "scale")
	assert.Len(t, Names(), 8)
}
