package op

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/timing"
)

var errDeviceFault = errors.New("device fault")

// faultyDesc doubles its input, then fails.
type faultyDesc struct {
	doubleDesc
}

func (d *faultyDesc) CreateOperator(device.Context, []device.Shape, []device.DType) (Operator, error) {
	d.creates++
	return faultyOp{}, nil
}

type faultyOp struct {
	doubleOp
}

func (o faultyOp) Forward(ctx *OpContext, in []*device.Blob, req []ReqType, out, aux []*device.Blob) error {
	if err := o.doubleOp.Forward(ctx, in, req, out, aux); err != nil {
		return err
	}
	return errDeviceFault
}

func newSimExecutor(t *testing.T, desc Descriptor, cfg device.SimConfig) (Executor, *device.SimBackend) {
	t.Helper()
	sim := device.NewSimBackend(0, cfg)
	t.Cleanup(func() { _ = sim.Close() })

	c := DefaultConfig(device.Shape{2, 2})
	c.Context = device.GPU(0)
	exec, err := NewExecutor(desc, c, Deps{Device: sim, Timing: timing.NewRegistry(t.Name())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	return exec, sim
}

func deviceBytes(b device.Backend) int64 {
	allocated, _ := b.MemoryUsage()
	return allocated
}

func TestMirror_CopiesBackOnOperatorError(t *testing.T) {
	exec, sim := newSimExecutor(t, &faultyDesc{}, device.DefaultSimConfig())
	_, err := exec.InitForward()
	require.NoError(t, err)
	FillSequence(exec.Data().Inputs(), 1, 1)

	err = exec.Forward(context.Background(), 1)
	require.ErrorIs(t, err, errDeviceFault)

	out, err := exec.Blob(Output, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, out.Values())
	assert.Equal(t, int64(0), deviceBytes(sim))
	assert.Nil(t, exec.OpContext().Stream)
}

func TestMirror_OutOfMemoryReleasesDevice(t *testing.T) {
	// room for the input but not the output
	exec, sim := newSimExecutor(t, &doubleDesc{}, device.SimConfig{Capacity: 20})
	_, err := exec.InitForward()
	require.NoError(t, err)
	FillSequence(exec.Data().Inputs(), 1, 1)

	err = exec.Forward(context.Background(), 1)
	require.ErrorIs(t, err, device.ErrOutOfMemory)

	assert.Equal(t, int64(0), deviceBytes(sim))
	assert.Nil(t, exec.OpContext().Stream)
	in, err := exec.Blob(Input, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, in.Values())
}

func TestMirror_ReleasesAfterForward(t *testing.T) {
	exec, sim := newSimExecutor(t, &doubleDesc{}, device.DefaultSimConfig())
	_, err := exec.InitForward()
	require.NoError(t, err)
	FillSequence(exec.Data().Inputs(), 1, 1)

	require.NoError(t, exec.Forward(context.Background(), 3))

	out, err := exec.Blob(Output, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, out.Values())
	assert.Equal(t, int64(0), deviceBytes(sim))
	assert.Nil(t, exec.OpContext().Stream)
}

func TestOpenMirror_SwapsStream(t *testing.T) {
	sim := device.NewSimBackend(0, device.DefaultSimConfig())
	defer sim.Close()
	host := device.NewCPUBackend()

	var src DataSet
	arena := device.NewArena(host)
	defer arena.Release()
	b, err := arena.Allocate(src.slot(Input), device.Shape{3}, device.Float32)
	require.NoError(t, err)
	require.NoError(t, b.CopyFrom([]float64{1, 2, 3}))

	opCtx := &OpContext{}
	m, err := OpenMirror(&src, sim, opCtx)
	require.NoError(t, err)
	assert.Same(t, m.Stream(), opCtx.Stream)

	db, err := m.Data().Blob(Input, 0)
	require.NoError(t, err)
	assert.Equal(t, device.GPU(0), db.Context())
	db.Set(0, 9)
	assert.Greater(t, deviceBytes(sim), int64(0))

	require.NoError(t, m.Close())
	assert.Nil(t, opCtx.Stream)
	assert.Equal(t, []float64{9, 2, 3}, b.Values())
	assert.Equal(t, int64(0), deviceBytes(sim))
	assert.NoError(t, m.Close())
}

func TestOpenMirror_NoBackend(t *testing.T) {
	_, err := OpenMirror(&DataSet{}, nil, nil)
	assert.ErrorIs(t, err, device.ErrNoBackend)
}
