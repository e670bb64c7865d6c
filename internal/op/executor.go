package op

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/resource"
	"github.com/23skdu/longbow-quiver/internal/timing"
)

// ErrNoBackward is returned when backward is requested from a descriptor
// that has no backward pass.
var ErrNoBackward = errors.New("op: operator has no backward pass")

var tracer = otel.Tracer("github.com/23skdu/longbow-quiver/internal/op")

// State is the initialization stage of an Executor.
type State int

const (
	Uninitialized State = iota
	ForwardReady
	BackwardReady
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ForwardReady:
		return "forward-ready"
	case BackwardReady:
		return "backward-ready"
	default:
		return "unknown"
	}
}

// Hooks run after buffers are allocated, to seed their contents.
type Hooks struct {
	ResetForward  func(*DataSet) error
	ResetBackward func(*DataSet) error
}

// Config selects what an Executor builds.
type Config struct {
	Context device.Context
	// TopShapes are the requested input shapes. Shorter than the argument
	// list is fine; the descriptor infers the rest.
	TopShapes []device.Shape
	// InTypes optionally pins input element types. Missing or Unknown
	// entries default to MainType for the first input and AccType for the
	// rest.
	InTypes  []device.DType
	MainType device.DType
	AccType  device.DType
	IsTrain  bool
	Hooks    Hooks
}

// DefaultConfig returns a float32 training configuration on the host.
func DefaultConfig(shapes ...device.Shape) Config {
	return Config{
		Context:   device.CPU(),
		TopShapes: shapes,
		MainType:  device.Float32,
		AccType:   device.Float32,
		IsTrain:   true,
	}
}

// Deps are the collaborators an Executor uses. Zero values get defaults:
// a private CPU backend, a simulated device for accelerator contexts, a
// fresh resource Manager and the process-wide timing registry.
type Deps struct {
	Host      device.Backend
	Device    device.Backend
	Resources resource.Provider
	Timing    *timing.Registry
}

// Executor owns one operator instance and its buffers.
type Executor interface {
	Context() device.Context
	Descriptor() Descriptor
	State() State
	// Shapes returns the completed input shapes once forward is initialized.
	Shapes() []device.Shape

	// InitForward allocates forward state once. ran reports whether this
	// call did the work; later calls return (false, nil), or the first
	// error if the first call failed.
	InitForward() (ran bool, err error)
	// InitBackward initializes forward if needed, then gradient state once.
	InitBackward() (ran bool, err error)

	Forward(ctx context.Context, count int) error
	Backward(ctx context.Context, count int) error

	Data() *DataSet
	Blobs(kind BlobKind) ([]*device.Blob, error)
	Blob(kind BlobKind, idx int) (*device.Blob, error)
	OpContext() *OpContext
	Timing() *timing.Registry

	Dump(w io.Writer, label string) error
	Snapshot() [][][]float64
	Load(data [][][]float64) error
	LoadKind(data [][][]float64, kind BlobKind) error
	LoadBlob(data [][][]float64, kind BlobKind, idx int) error

	// Close releases every buffer and the operator instance.
	Close() error
}

// NewExecutor builds the executor variant matching cfg.Context.
func NewExecutor(desc Descriptor, cfg Config, deps Deps) (Executor, error) {
	if desc == nil {
		return nil, errors.New("op: nil descriptor")
	}
	if len(cfg.TopShapes) == 0 {
		return nil, errors.New("op: at least one top shape is required")
	}
	if !cfg.MainType.Valid() || !cfg.AccType.Valid() {
		return nil, fmt.Errorf("op: invalid element types %s/%s", cfg.MainType, cfg.AccType)
	}

	e := &executor{
		desc:   desc,
		cfg:    cfg,
		ctx:    cfg.Context,
		host:   deps.Host,
		dev:    deps.Device,
		timing: deps.Timing,
	}
	if e.host == nil {
		e.host = device.NewCPUBackend()
	}
	if !e.ctx.IsHost() && e.dev == nil {
		b, err := device.Open(e.ctx, device.DefaultSimConfig())
		if err != nil {
			return nil, err
		}
		e.dev = b
		e.ownsDev = true
	}
	if e.dev != nil && e.dev.Context() != e.ctx {
		return nil, fmt.Errorf("op: device backend serves %s, executor wants %s", e.dev.Context(), e.ctx)
	}
	e.resources = deps.Resources
	if e.resources == nil {
		backends := []device.Backend{e.host}
		if e.dev != nil {
			backends = append(backends, e.dev)
		}
		e.resources = resource.NewManager(0, backends...)
	}
	if e.timing == nil {
		e.timing = timing.Default()
	}
	e.arena = device.NewArena(e.host)
	e.opCtx = OpContext{IsTrain: cfg.IsTrain, Device: e.ctx}

	if e.ctx.IsHost() {
		return &hostExecutor{e}, nil
	}
	return &deviceExecutor{e}, nil
}

type executor struct {
	desc      Descriptor
	cfg       Config
	ctx       device.Context
	host      device.Backend
	dev       device.Backend
	ownsDev   bool
	resources resource.Provider
	timing    *timing.Registry

	mu      sync.Mutex
	state   State
	fwdErr  error
	bwdErr  error
	closed  bool
	shapes  []device.Shape
	types   []device.DType
	op      Operator
	opCtx   OpContext
	data    DataSet
	arena   *device.Arena
}

func (e *executor) Context() device.Context  { return e.ctx }
func (e *executor) Descriptor() Descriptor   { return e.desc }
func (e *executor) Data() *DataSet           { return &e.data }
func (e *executor) OpContext() *OpContext    { return &e.opCtx }
func (e *executor) Timing() *timing.Registry { return e.timing }

func (e *executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *executor) Shapes() []device.Shape {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shapes
}

func (e *executor) Blobs(kind BlobKind) ([]*device.Blob, error) {
	return e.data.Get(kind)
}

func (e *executor) Blob(kind BlobKind, idx int) (*device.Blob, error) {
	return e.data.Blob(kind, idx)
}

func (e *executor) InitForward() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initForwardLocked()
}

func (e *executor) initForwardLocked() (bool, error) {
	switch {
	case e.closed:
		return false, errors.New("op: executor closed")
	case e.fwdErr != nil:
		return false, e.fwdErr
	case e.state >= ForwardReady:
		return false, nil
	}
	if err := e.setupForward(); err != nil {
		e.fwdErr = err
		return false, err
	}
	e.state = ForwardReady
	return true, nil
}

func (e *executor) setupForward() error {
	name := e.desc.Name()
	nargs := len(e.desc.Arguments())

	shapes := make([]device.Shape, nargs)
	for x := 0; x < nargs && x < len(e.cfg.TopShapes); x++ {
		shapes[x] = e.cfg.TopShapes[x].Clone()
	}
	types := make([]device.DType, nargs)
	for x := range types {
		switch {
		case x < len(e.cfg.InTypes) && e.cfg.InTypes[x] != device.Unknown:
			types[x] = e.cfg.InTypes[x]
		case x == 0:
			types[x] = e.cfg.MainType
		default:
			types[x] = e.cfg.AccType
		}
	}

	instance, err := e.desc.CreateOperator(e.ctx, shapes, types)
	if err != nil {
		return fmt.Errorf("op: create %s on %s: %w", name, e.ctx, err)
	}
	if instance == nil {
		return fmt.Errorf("%w: %s on %s", ErrNoOperator, name, e.ctx)
	}

	outShapes, auxShapes, err := e.desc.InferShape(shapes)
	if err != nil {
		return fmt.Errorf("%w: %s shape: %v", ErrInference, name, err)
	}
	if err := checkCount(name, "output shapes", len(outShapes), len(e.desc.Outputs())); err != nil {
		return err
	}
	if err := checkCount(name, "aux shapes", len(auxShapes), len(e.desc.AuxiliaryStates())); err != nil {
		return err
	}
	for x, s := range shapes {
		if !s.Known() {
			return fmt.Errorf("%w: %s input %q has no shape", ErrInference, name, e.desc.Arguments()[x])
		}
	}

	outTypes, auxTypes, err := e.desc.InferType(types)
	if err != nil {
		return fmt.Errorf("%w: %s type: %v", ErrInference, name, err)
	}
	if err := checkCount(name, "output types", len(outTypes), len(outShapes)); err != nil {
		return err
	}
	if err := checkCount(name, "aux types", len(auxTypes), len(auxShapes)); err != nil {
		return err
	}

	for x := range shapes {
		if _, err := e.arena.Allocate(e.data.slot(Input), shapes[x], types[x]); err != nil {
			return fmt.Errorf("op: allocate %s input %d: %w", name, x, err)
		}
	}
	for x := range auxShapes {
		if _, err := e.arena.Allocate(e.data.slot(Aux), auxShapes[x], auxTypes[x]); err != nil {
			return fmt.Errorf("op: allocate %s aux %d: %w", name, x, err)
		}
	}
	for x := range outShapes {
		if _, err := e.arena.Allocate(e.data.slot(Output), outShapes[x], outTypes[x]); err != nil {
			return fmt.Errorf("op: allocate %s output %d: %w", name, x, err)
		}
	}

	handles, err := resource.NewAllocator(e.resources).Allocate(e.ctx, e.desc.ForwardResource(shapes))
	if err != nil {
		return fmt.Errorf("op: %s forward resources: %w", name, err)
	}
	e.opCtx.Requested = append(e.opCtx.Requested, handles...)
	e.op = instance
	e.shapes = shapes
	e.types = types

	if e.cfg.Hooks.ResetForward != nil {
		if err := e.cfg.Hooks.ResetForward(&e.data); err != nil {
			return fmt.Errorf("op: %s reset forward: %w", name, err)
		}
	}

	log.Debug().
		Str("op", name).
		Str("ctx", e.ctx.String()).
		Int("inputs", len(shapes)).
		Int("outputs", len(outShapes)).
		Int("aux", len(auxShapes)).
		Int("resources", len(handles)).
		Msg("Forward initialized")
	return nil
}

func (e *executor) InitBackward() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.initForwardLocked(); err != nil {
		return false, err
	}
	switch {
	case e.bwdErr != nil:
		return false, e.bwdErr
	case e.state >= BackwardReady:
		return false, nil
	}
	if err := e.setupBackward(); err != nil {
		e.bwdErr = err
		return false, err
	}
	e.state = BackwardReady
	return true, nil
}

func (e *executor) setupBackward() error {
	name := e.desc.Name()
	if !HasBackward(e.desc) {
		return fmt.Errorf("%w: %s", ErrNoBackward, name)
	}

	outputs := e.data.Outputs()
	visible := e.desc.NumVisibleOutputs()
	if visible < 0 || visible > len(outputs) {
		return fmt.Errorf("%w: %s has %d visible outputs of %d", ErrBadIndex, name, visible, len(outputs))
	}
	for x := 0; x < visible; x++ {
		out := outputs[x]
		if _, err := e.arena.Allocate(e.data.slot(OutGrad), out.Shape(), out.DType()); err != nil {
			return fmt.Errorf("op: allocate %s output gradient %d: %w", name, x, err)
		}
	}
	for x, in := range e.data.Inputs() {
		if _, err := e.arena.Allocate(e.data.slot(InGrad), in.Shape(), in.DType()); err != nil {
			return fmt.Errorf("op: allocate %s input gradient %d: %w", name, x, err)
		}
	}

	handles, err := resource.NewAllocator(e.resources).Allocate(e.ctx, e.desc.BackwardResource(e.shapes))
	if err != nil {
		return fmt.Errorf("op: %s backward resources: %w", name, err)
	}
	e.opCtx.Requested = append(e.opCtx.Requested, handles...)

	if e.cfg.Hooks.ResetBackward != nil {
		if err := e.cfg.Hooks.ResetBackward(&e.data); err != nil {
			return fmt.Errorf("op: %s reset backward: %w", name, err)
		}
	}

	log.Debug().Str("op", name).Str("ctx", e.ctx.String()).Int("resources", len(handles)).Msg("Backward initialized")
	return nil
}

// ready checks that the executor reached want before running count passes.
func (e *executor) ready(want State, count int) error {
	if count < 0 {
		return fmt.Errorf("op: negative iteration count %d", count)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("op: executor closed")
	}
	if e.state < want {
		return fmt.Errorf("%w: %s needs %s, executor is %s", ErrNotInitialized, e.desc.Name(), want, e.state)
	}
	return nil
}

func (e *executor) forward(ctx context.Context, data *DataSet, count int) error {
	req := writeRequests(len(data.Outputs()))
	item := timing.Start(e.timing, timing.Forward, "Forward", count)
	defer item.Stop()
	return e.profile(ctx, timing.Forward, count, func() error {
		return e.op.Forward(&e.opCtx, data.Inputs(), req, data.Outputs(), data.AuxStates())
	})
}

func (e *executor) backward(ctx context.Context, data *DataSet, count int) error {
	req := writeRequests(len(data.InGrads()))
	item := timing.Start(e.timing, timing.Backward, "Backward", count)
	defer item.Stop()
	return e.profile(ctx, timing.Backward, count, func() error {
		return e.op.Backward(&e.opCtx, data.OutGrads(), data.Inputs(), data.Outputs(), req, data.InGrads(), data.AuxStates())
	})
}

// profile runs fn count times inside a trace span covering only the
// computation loop.
func (e *executor) profile(ctx context.Context, p timing.Phase, count int, fn func() error) error {
	_, span := tracer.Start(ctx, e.desc.Name()+"."+p.String(), trace.WithAttributes(
		attribute.String("op.name", e.desc.Name()),
		attribute.String("op.context", e.ctx.String()),
		attribute.Int("op.count", count),
	))
	defer span.End()

	for x := 0; x < count; x++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return err
		}
		if err := fn(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("op: %s %s iteration %d: %w", e.desc.Name(), p, x, err)
		}
	}
	return nil
}

func (e *executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.arena.Release()
	e.op = nil
	e.data = DataSet{}
	if e.ownsDev {
		if c, ok := e.dev.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}

func checkCount(name, what string, got, want int) error {
	if got != want {
		return fmt.Errorf("%w: %s produced %d %s, want %d", ErrInference, name, got, what, want)
	}
	return nil
}

// hostExecutor runs the operator directly on the host data set.
type hostExecutor struct {
	*executor
}

func (e *hostExecutor) Forward(ctx context.Context, count int) error {
	if err := e.ready(ForwardReady, count); err != nil {
		return err
	}
	return e.forward(ctx, &e.data, count)
}

func (e *hostExecutor) Backward(ctx context.Context, count int) error {
	if err := e.ready(BackwardReady, count); err != nil {
		return err
	}
	return e.backward(ctx, &e.data, count)
}

// deviceExecutor mirrors the host data set onto the device for each call.
// Copy-in and copy-back happen outside the timed scope.
type deviceExecutor struct {
	*executor
}

func (e *deviceExecutor) Forward(ctx context.Context, count int) (err error) {
	if err := e.ready(ForwardReady, count); err != nil {
		return err
	}
	m, err := OpenMirror(&e.data, e.dev, &e.opCtx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, m.Close()) }()
	return e.forward(ctx, m.Data(), count)
}

func (e *deviceExecutor) Backward(ctx context.Context, count int) (err error) {
	if err := e.ready(BackwardReady, count); err != nil {
		return err
	}
	m, err := OpenMirror(&e.data, e.dev, &e.opCtx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, m.Close()) }()
	return e.backward(ctx, m.Data(), count)
}
