package op

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/resource"
	"github.com/23skdu/longbow-quiver/internal/timing"
)

// doubleDesc describes y = 2x with dy/dx = 2.
type doubleDesc struct {
	creates   int
	noOp      bool
	createErr error
	resources []resource.Request
}

func (d *doubleDesc) Name() string              { return "double" }
func (d *doubleDesc) Arguments() []string       { return []string{"data"} }
func (d *doubleDesc) Outputs() []string         { return []string{"output"} }
func (d *doubleDesc) AuxiliaryStates() []string { return nil }
func (d *doubleDesc) NumVisibleOutputs() int    { return 1 }

func (d *doubleDesc) InferShape(in []device.Shape) ([]device.Shape, []device.Shape, error) {
	if !in[0].Known() {
		return nil, nil, errors.New("data shape unknown")
	}
	return []device.Shape{in[0].Clone()}, nil, nil
}

func (d *doubleDesc) InferType(in []device.DType) ([]device.DType, []device.DType, error) {
	return []device.DType{in[0]}, nil, nil
}

func (d *doubleDesc) CreateOperator(device.Context, []device.Shape, []device.DType) (Operator, error) {
	d.creates++
	if d.createErr != nil {
		return nil, d.createErr
	}
	if d.noOp {
		return nil, nil
	}
	return doubleOp{}, nil
}

func (d *doubleDesc) ForwardResource([]device.Shape) []resource.Request  { return d.resources }
func (d *doubleDesc) BackwardResource([]device.Shape) []resource.Request { return d.resources }

type doubleOp struct{}

func (doubleOp) Forward(_ *OpContext, in []*device.Blob, req []ReqType, out, _ []*device.Blob) error {
	for i, n := 0, in[0].Size(); i < n; i++ {
		Assign(req[0], out[0], i, 2*in[0].At(i))
	}
	return nil
}

func (doubleOp) Backward(_ *OpContext, outGrad, _, _ []*device.Blob, req []ReqType, inGrad, _ []*device.Blob) error {
	for i, n := 0, outGrad[0].Size(); i < n; i++ {
		Assign(req[0], inGrad[0], i, 2*outGrad[0].At(i))
	}
	return nil
}

func newDouble(t *testing.T, ctx device.Context) Executor {
	t.Helper()
	cfg := DefaultConfig(device.Shape{2, 2})
	cfg.Context = ctx
	exec, err := NewExecutor(&doubleDesc{}, cfg, Deps{Timing: timing.NewRegistry(t.Name())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestExecutor_DoubleScenario(t *testing.T) {
	exec := newDouble(t, device.CPU())

	ran, err := exec.InitForward()
	require.NoError(t, err)
	assert.True(t, ran)

	in, err := exec.Data().Blob(Input, 0)
	require.NoError(t, err)
	require.NoError(t, in.CopyFrom([]float64{1, 2, 3, 4}))

	require.NoError(t, exec.Forward(context.Background(), 1))
	out, err := exec.Data().Blob(Output, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, out.Values())

	var buf bytes.Buffer
	require.NoError(t, exec.Dump(&buf, "double"))
	text := buf.String()
	assert.Contains(t, text, "var double_data_shape_2_2__ = [][][]float64{")
	assert.Contains(t, text, "// kOutput\n\t\t{2, 4, 6, 8},")

	name, data, err := ParseLiteral(text)
	require.NoError(t, err)
	assert.Equal(t, "double_data_shape_2_2__", name)

	fresh := newDouble(t, device.CPU())
	_, err = fresh.InitForward()
	require.NoError(t, err)
	require.NoError(t, fresh.Load(data))
	freshOut, err := fresh.Data().Blob(Output, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, freshOut.Values())
	assert.Equal(t, exec.Snapshot(), fresh.Snapshot())
}

func TestExecutor_InitForwardOnce(t *testing.T) {
	desc := &doubleDesc{}
	exec, err := NewExecutor(desc, DefaultConfig(device.Shape{3}), Deps{})
	require.NoError(t, err)
	defer exec.Close()

	ran, err := exec.InitForward()
	require.NoError(t, err)
	assert.True(t, ran)
	first := exec.Data().Inputs()[0]

	ran, err = exec.InitForward()
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Same(t, first, exec.Data().Inputs()[0])
	assert.Equal(t, 1, desc.creates)
	assert.Equal(t, ForwardReady, exec.State())
}

func TestExecutor_InitForwardConcurrent(t *testing.T) {
	desc := &doubleDesc{}
	exec, err := NewExecutor(desc, DefaultConfig(device.Shape{4}), Deps{Timing: timing.NewRegistry(t.Name())})
	require.NoError(t, err)
	defer exec.Close()

	const callers = 16
	var ran atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			did, err := exec.InitForward()
			if did {
				ran.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, desc.creates)
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, ForwardReady, exec.State())
	assert.Len(t, exec.Data().Inputs(), 1)
	assert.Len(t, exec.Data().Outputs(), 1)
}

func TestExecutor_InitBackwardImpliesForward(t *testing.T) {
	exec := newDouble(t, device.CPU())

	ran, err := exec.InitBackward()
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, BackwardReady, exec.State())

	data := exec.Data()
	assert.Len(t, data.Inputs(), 1)
	assert.Len(t, data.Outputs(), 1)
	assert.Len(t, data.OutGrads(), 1)
	assert.Len(t, data.InGrads(), 1)
	assert.True(t, data.InGrads()[0].Shape().Equal(device.Shape{2, 2}))

	ran, err = exec.InitForward()
	require.NoError(t, err)
	assert.False(t, ran)
	ran, err = exec.InitBackward()
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, data.OutGrads()[0].CopyFrom([]float64{1, 1, 1, 1}))
	require.NoError(t, exec.Backward(context.Background(), 2))
	assert.Equal(t, []float64{2, 2, 2, 2}, data.InGrads()[0].Values())
}

func TestExecutor_NotInitialized(t *testing.T) {
	exec := newDouble(t, device.CPU())

	err := exec.Forward(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = exec.InitForward()
	require.NoError(t, err)
	err = exec.Backward(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestExecutor_NoOperator(t *testing.T) {
	exec, err := NewExecutor(&doubleDesc{noOp: true}, DefaultConfig(device.Shape{2}), Deps{})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitForward()
	assert.ErrorIs(t, err, ErrNoOperator)

	// failure is sticky
	ran, again := exec.InitForward()
	assert.False(t, ran)
	assert.Equal(t, err, again)
	assert.Equal(t, Uninitialized, exec.State())
}

func TestExecutor_CreateError(t *testing.T) {
	boom := errors.New("boom")
	exec, err := NewExecutor(&doubleDesc{createErr: boom}, DefaultConfig(device.Shape{2}), Deps{})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitBackward()
	assert.ErrorIs(t, err, boom)
}

func TestExecutor_RequiresShapes(t *testing.T) {
	_, err := NewExecutor(&doubleDesc{}, DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestExecutor_ResourcesInRequestOrder(t *testing.T) {
	desc := &doubleDesc{resources: []resource.Request{{Kind: resource.TempSpace}, {Kind: resource.Random}}}
	exec, err := NewExecutor(desc, DefaultConfig(device.Shape{4}), Deps{})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitForward()
	require.NoError(t, err)
	require.Len(t, exec.OpContext().Requested, 2)

	_, err = exec.InitBackward()
	require.NoError(t, err)
	req := exec.OpContext().Requested
	require.Len(t, req, 4)
	assert.Equal(t, resource.TempSpace, req[0].Kind)
	assert.Equal(t, resource.Random, req[1].Kind)
	assert.Equal(t, resource.TempSpace, req[2].Kind)
	assert.Equal(t, resource.Random, req[3].Kind)
}

func TestExecutor_InputTypeDefaults(t *testing.T) {
	desc := &pairDesc{}
	cfg := DefaultConfig(device.Shape{2}, device.Shape{2}, device.Shape{2})
	cfg.MainType = device.Float16
	cfg.AccType = device.Float32
	cfg.InTypes = []device.DType{device.Unknown, device.Unknown, device.Float64}
	exec, err := NewExecutor(desc, cfg, Deps{})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitForward()
	require.NoError(t, err)
	in := exec.Data().Inputs()
	require.Len(t, in, 3)
	assert.Equal(t, device.Float16, in[0].DType())
	assert.Equal(t, device.Float32, in[1].DType())
	assert.Equal(t, device.Float64, in[2].DType())
}

// pairDesc sums three inputs into one output of the first input's shape.
type pairDesc struct{ doubleDesc }

func (d *pairDesc) Arguments() []string { return []string{"a", "b", "c"} }

func TestExecutor_Hooks(t *testing.T) {
	cfg := DefaultConfig(device.Shape{2, 2})
	var fwd, bwd int
	cfg.Hooks.ResetForward = func(d *DataSet) error {
		fwd++
		FillSequence(d.Inputs(), 1, 1)
		return nil
	}
	cfg.Hooks.ResetBackward = func(d *DataSet) error {
		bwd++
		Fill(d.OutGrads(), 0.5)
		return nil
	}
	exec, err := NewExecutor(&doubleDesc{}, cfg, Deps{})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitBackward()
	require.NoError(t, err)
	_, err = exec.InitBackward()
	require.NoError(t, err)
	assert.Equal(t, 1, fwd)
	assert.Equal(t, 1, bwd)
	assert.Equal(t, []float64{1, 2, 3, 4}, exec.Data().Inputs()[0].Values())
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, exec.Data().OutGrads()[0].Values())
}

func TestExecutor_DeviceMatchesHost(t *testing.T) {
	host := newDouble(t, device.CPU())
	dev := newDouble(t, device.GPU(0))

	for _, exec := range []Executor{host, dev} {
		_, err := exec.InitBackward()
		require.NoError(t, err)
		FillRandom(exec.Data().Inputs(), 11)
		FillRandom(exec.Data().OutGrads(), 12)
		require.NoError(t, exec.Forward(context.Background(), 1))
		require.NoError(t, exec.Backward(context.Background(), 1))
	}

	assert.NoError(t, CompareSnapshots(host.Snapshot(), dev.Snapshot(), Exact()))
	assert.Nil(t, dev.OpContext().Stream)
	assert.Equal(t, device.GPU(0), dev.Context())
}

func TestExecutor_ForwardZeroIterations(t *testing.T) {
	reg := timing.NewRegistry("timing-zero")
	exec, err := NewExecutor(&doubleDesc{}, DefaultConfig(device.Shape{4}), Deps{Timing: reg})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitForward()
	require.NoError(t, err)
	require.NoError(t, exec.Forward(context.Background(), 0))

	rec, ok := reg.Get(timing.Forward)
	require.True(t, ok)
	assert.EqualValues(t, 0, rec.Count)
	assert.EqualValues(t, 1, rec.Scopes)
}

func TestExecutor_Timing(t *testing.T) {
	reg := timing.NewRegistry("timing-test")
	exec, err := NewExecutor(&doubleDesc{}, DefaultConfig(device.Shape{8}), Deps{Timing: reg})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.InitForward()
	require.NoError(t, err)
	require.NoError(t, exec.Forward(context.Background(), 5))

	rec, ok := reg.Get(timing.Forward)
	require.True(t, ok)
	assert.EqualValues(t, 5, rec.Count)
	assert.Equal(t, "Forward", rec.Name)
}

func TestExecutor_ForwardCancelled(t *testing.T) {
	exec := newDouble(t, device.CPU())
	_, err := exec.InitForward()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, exec.Forward(ctx, 3), context.Canceled)
}

func TestExecutor_LoadChecks(t *testing.T) {
	exec := newDouble(t, device.CPU())
	_, err := exec.InitForward()
	require.NoError(t, err)

	short := [][][]float64{{{1, 2, 3}}}
	err = exec.Load(short)
	assert.ErrorIs(t, err, device.ErrSizeMismatch)
	var sme *device.SizeMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, 4, sme.Expected)
	assert.Equal(t, 3, sme.Actual)

	assert.ErrorIs(t, exec.LoadBlob(short, Input, 1), ErrBadIndex)
	assert.ErrorIs(t, exec.LoadKind(short, Output), ErrBadIndex)

	extra := [][][]float64{{{1, 2, 3, 4}, {5, 6, 7, 8}}}
	assert.ErrorIs(t, exec.LoadKind(extra, Input), ErrBadIndex)

	require.NoError(t, exec.LoadBlob(extra, Input, 0))
	assert.Equal(t, []float64{1, 2, 3, 4}, exec.Data().Inputs()[0].Values())
}

func TestLiteral_RoundTripBits(t *testing.T) {
	data := [][][]float64{
		{{0.1, -2.5e-8, 3}},
		{{1.0000001, -7}},
		{},
		{},
		{{float64(float32(0.3))}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteLiteral(&buf, "bits", data))

	name, got, err := ParseLiteral(buf.String())
	require.NoError(t, err)
	assert.Equal(t, "bits", name)
	assert.Equal(t, data, got)
	assert.True(t, strings.HasSuffix(buf.String(), "}\n"))
}

func TestParseLiteral_Malformed(t *testing.T) {
	for _, text := range []string{"", "var x", "var x = 3", `var x = [][][]float64{{{"a"}}}`} {
		_, _, err := ParseLiteral(text)
		assert.ErrorIs(t, err, ErrMalformedLiteral, text)
	}
}

func TestCompareSnapshots(t *testing.T) {
	want := [][][]float64{{{1, 2, 3}}}

	assert.NoError(t, CompareSnapshots(want, [][][]float64{{{1, 2, 3.000001}}}, DefaultTolerance()))

	err := CompareSnapshots(want, [][][]float64{{{1, 2.5, 3}}}, DefaultTolerance())
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, ErrMismatch)
	assert.Equal(t, 1, me.Element)
	assert.InDelta(t, 0.5, me.MaxDelta, 1e-12)

	assert.ErrorIs(t, CompareSnapshots(want, [][][]float64{{{1, 2}}}, Exact()), ErrMismatch)
}

func TestBlobKinds(t *testing.T) {
	for k := BlobKind(0); k < KindCount; k++ {
		got, err := ParseBlobKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	var d DataSet
	_, err := d.Get(KindCount)
	assert.ErrorIs(t, err, ErrBadIndex)
}
